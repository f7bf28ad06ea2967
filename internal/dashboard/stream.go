package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
)

// ErrStreamEnded is reported when the server closes the event stream.
var ErrStreamEnded = errors.New("event stream ended")

const maxEventSize = 1 << 20

// StreamState is the lifecycle state of a LiveStreamConsumer.
type StreamState int

const (
	StreamConnecting StreamState = iota
	StreamOpen
	StreamClosed
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	case StreamError:
		return "error"
	}
	return "unknown"
}

// LiveStreamConsumer subscribes to one device's event stream and hands each parsed reading to onReading.
// It never reconnects: Error and Closed are terminal. Handlers must not call Close.
type LiveStreamConsumer struct {
	deviceID  string
	opener    StreamOpener
	onReading func(models.Reading)
	onState   func(StreamState, error)
	log       zerolog.Logger

	mu      sync.Mutex
	state   StreamState
	err     error
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	closed  atomic.Bool
	dropped atomic.Uint64
	// deliver is held while a handler runs so Close can wait for in-flight callbacks.
	deliver sync.Mutex
}

// NewLiveStreamConsumer creates a consumer in the Connecting state. Either handler may be nil.
func NewLiveStreamConsumer(deviceID string, opener StreamOpener, onReading func(models.Reading), onState func(StreamState, error)) *LiveStreamConsumer {
	return &LiveStreamConsumer{
		deviceID:  deviceID,
		opener:    opener,
		onReading: onReading,
		onState:   onState,
		log:       logging.With().Str("component", "stream").Str("device_id", deviceID).Logger(),
		state:     StreamConnecting,
		done:      make(chan struct{}),
	}
}

// Start opens the stream in the background. Calling it more than once, or after Close, does nothing.
func (s *LiveStreamConsumer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if s.closed.Load() {
		close(s.done)
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Close stops the subscription. It is idempotent, and no handler runs once it returns.
func (s *LiveStreamConsumer) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	if s.state != StreamError {
		s.state = StreamClosed
	}
	cancel := s.cancel
	if !s.started {
		s.started = true
		close(s.done)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// wait out any handler already running
	s.deliver.Lock()
	s.deliver.Unlock() //nolint:staticcheck
}

// Done is closed when the consumer has stopped.
func (s *LiveStreamConsumer) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *LiveStreamConsumer) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the consumer to StreamError, if any.
func (s *LiveStreamConsumer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts messages discarded because they did not parse or exceeded the size limit.
func (s *LiveStreamConsumer) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *LiveStreamConsumer) run(ctx context.Context) {
	defer close(s.done)

	body, err := s.opener.OpenStream(ctx, s.deviceID)
	if err != nil {
		s.fail(err)
		return
	}
	defer body.Close()

	if !s.transition(StreamOpen, nil) {
		return
	}
	s.log.Debug().Msg("stream open")

	err = readEvents(body, s.handle, s.oversized)
	if err == nil {
		err = ErrStreamEnded
	}
	s.fail(err)
}

func (s *LiveStreamConsumer) handle(data []byte) {
	r, err := models.ParseReading(data)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn().Err(err).Msg("dropping unparseable message")
		return
	}
	s.deliver.Lock()
	defer s.deliver.Unlock()
	if s.closed.Load() || s.onReading == nil {
		return
	}
	s.onReading(r)
}

func (s *LiveStreamConsumer) oversized() {
	s.dropped.Add(1)
	s.log.Warn().Int("limit", maxEventSize).Msg("dropping oversized message")
}

func (s *LiveStreamConsumer) fail(err error) {
	if s.transition(StreamError, err) {
		s.log.Warn().Err(err).Msg("stream failed")
	}
}

// transition moves Connecting→Open or {Connecting,Open}→Error and notifies onState.
func (s *LiveStreamConsumer) transition(to StreamState, err error) bool {
	s.mu.Lock()
	if s.closed.Load() || s.state == StreamError || s.state == StreamClosed || s.state == to {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.err = err
	s.mu.Unlock()

	s.deliver.Lock()
	defer s.deliver.Unlock()
	if s.closed.Load() || s.onState == nil {
		return true
	}
	s.onState(to, err)
	return true
}

// readEvents splits an event stream into events and passes each event's data to dispatch.
// Comment lines and fields other than data are ignored. An event whose line or data exceeds
// maxEventSize is skipped and reported to oversized instead. It returns nil at end of input.
func readEvents(r io.Reader, dispatch func([]byte), oversized func()) error {
	br := bufio.NewReaderSize(r, 4096)

	var data [][]byte
	size := 0
	skip := false
	flush := func() {
		switch {
		case skip:
			oversized()
		case len(data) > 0:
			dispatch(bytes.Join(data, []byte("\n")))
		}
		data, size, skip = nil, 0, false
	}

	for {
		line, tooLong, err := readLine(br, maxEventSize)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if tooLong {
			skip = true
			continue
		}
		switch {
		case len(line) == 0:
			flush()
		case line[0] == ':' || skip:
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			if string(field) != "data" {
				continue
			}
			value = bytes.TrimPrefix(value, []byte(" "))
			if size += len(value); size > maxEventSize {
				skip = true
				data = nil
				continue
			}
			data = append(data, value)
		}
	}
}

// readLine returns the next line without its terminator. A line longer than limit is consumed
// and reported as tooLong with no content.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}
