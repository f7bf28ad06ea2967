package dashboard

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/retry"
	"CapIot.lorawan/internal/window"
)

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Loading
	Live
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Live:
		return "live"
	}
	return "unknown"
}

// Options configures a SessionController.
type Options struct {
	// Capacity of the reading window; defaults to window.DefaultCapacity when zero.
	Capacity int
	// SnapshotLimit defaults to Capacity.
	SnapshotLimit int
	// Latest, when set, seeds the "latest reading" display independently of the window.
	Latest LatestLoader
	// Reconnect governs stream re-subscription. MaxAttempts 1 subscribes once and never reconnects;
	// the zero value reconnects without limit.
	Reconnect retry.ExponentialBackoff
}

// View is a consistent copy of the session for presentation.
type View struct {
	DeviceID   string
	State      State
	Generation uint64
	Version    uint64
	Readings   []models.Reading
	Latest     *models.Reading
	Stream     StreamState
	StreamErr  error
	// Discarded counts late results from superseded sessions.
	Discarded uint64
}

// SessionController owns the device selection, its reading window and its live stream.
// Every asynchronous result is tagged with the generation that started it and discarded
// if the selection has changed since.
type SessionController struct {
	loader SnapshotLoader
	opener StreamOpener
	opts   Options
	log    zerolog.Logger

	mu          sync.Mutex
	gen         uint64
	state       State
	deviceID    string
	window      *window.DedupWindow
	projector   Projector
	latest      *models.Reading
	snapshotIn  bool
	streamState StreamState
	streamErr   error
	consumer    *LiveStreamConsumer
	cancel      context.CancelFunc
	discarded   uint64
	wg          sync.WaitGroup

	changes chan struct{}
}

// NewSessionController creates an idle controller.
func NewSessionController(loader SnapshotLoader, opener StreamOpener, opts Options) *SessionController {
	if opts.Capacity == 0 {
		opts.Capacity = window.DefaultCapacity
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = opts.Capacity
	}
	return &SessionController{
		loader:      loader,
		opener:      opener,
		opts:        opts,
		log:         logging.With().Str("component", "session").Logger(),
		window:      window.New(opts.Capacity),
		streamState: StreamClosed,
		changes:     make(chan struct{}, 1),
	}
}

// Select switches to deviceID and returns the new generation. The previous session's stream is
// closed, its fetches are cancelled and the window is emptied before any new data is admitted.
func (c *SessionController) Select(ctx context.Context, deviceID string) uint64 {
	c.mu.Lock()
	prev, prevCancel := c.begin(Loading, deviceID)
	g := c.gen
	sessCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.streamState = StreamConnecting
	c.mu.Unlock()

	release(prev, prevCancel)
	c.notify()
	c.log.Info().Str("device_id", deviceID).Uint64("generation", g).Msg("session selected")

	c.wg.Add(2)
	go c.loadSnapshot(sessCtx, g, deviceID)
	go c.runStream(sessCtx, g, deviceID)
	if c.opts.Latest != nil {
		c.wg.Add(1)
		go c.loadLatest(sessCtx, g, deviceID)
	}
	return g
}

// Deselect ends the current session and returns to Idle.
func (c *SessionController) Deselect() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	prev, prevCancel := c.begin(Idle, "")
	c.mu.Unlock()

	release(prev, prevCancel)
	c.notify()
}

// Close ends the session and waits for its background work to stop.
func (c *SessionController) Close() {
	c.Deselect()
	c.wg.Wait()
}

// begin starts a new generation. Callers hold c.mu and release what it returns after unlocking.
func (c *SessionController) begin(state State, deviceID string) (*LiveStreamConsumer, context.CancelFunc) {
	prev, prevCancel := c.consumer, c.cancel
	c.gen++
	c.state = state
	c.deviceID = deviceID
	c.window.Reset()
	c.latest = nil
	c.snapshotIn = false
	c.streamState = StreamClosed
	c.streamErr = nil
	c.consumer = nil
	c.cancel = nil
	return prev, prevCancel
}

func release(consumer *LiveStreamConsumer, cancel context.CancelFunc) {
	if consumer != nil {
		consumer.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// Changes signals after any state change. Signals coalesce.
func (c *SessionController) Changes() <-chan struct{} {
	return c.changes
}

// View returns a snapshot of the session.
func (c *SessionController) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		DeviceID:   c.deviceID,
		State:      c.state,
		Generation: c.gen,
		Version:    c.window.Version(),
		Readings:   c.window.Readings(),
		Stream:     c.streamState,
		StreamErr:  c.streamErr,
		Discarded:  c.discarded,
	}
	if c.latest != nil {
		latest := *c.latest
		v.Latest = &latest
	} else if r, ok := c.window.Latest(); ok {
		v.Latest = &r
	}
	return v
}

// Projection returns chart data for the current window, recomputed only when the window changed.
func (c *SessionController) Projection() Projection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projector.Project(c.window)
}

func (c *SessionController) loadSnapshot(ctx context.Context, g uint64, deviceID string) {
	defer c.wg.Done()
	readings, err := c.loader.Snapshot(ctx, deviceID, c.opts.SnapshotLimit)

	c.mu.Lock()
	if g != c.gen {
		c.discard("snapshot", g)
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("device_id", deviceID).Msg("snapshot failed, continuing with live data only")
	} else {
		n := c.window.BulkAdmit(readings, window.NewestFirst)
		c.log.Debug().Str("device_id", deviceID).Int("fetched", len(readings)).Int("admitted", n).Msg("snapshot loaded")
	}
	c.snapshotIn = true
	c.maybeLive()
	c.mu.Unlock()
	c.notify()
}

func (c *SessionController) loadLatest(ctx context.Context, g uint64, deviceID string) {
	defer c.wg.Done()
	r, err := c.opts.Latest.Latest(ctx, deviceID)

	c.mu.Lock()
	if g != c.gen {
		c.discard("latest", g)
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("device_id", deviceID).Msg("latest reading unavailable")
	} else if r != nil && c.latest == nil {
		c.latest = r
	}
	c.mu.Unlock()
	c.notify()
}

func (c *SessionController) runStream(ctx context.Context, g uint64, deviceID string) {
	defer c.wg.Done()
	backoff := c.opts.Reconnect
	if backoff.Logger == nil {
		backoff.Logger = &c.log
	}

	err := backoff.Start(ctx, "stream "+deviceID, func(ctx context.Context) (bool, error) {
		consumer := NewLiveStreamConsumer(deviceID, c.opener,
			func(r models.Reading) { c.admitLive(g, r) },
			func(s StreamState, err error) { c.streamChanged(g, s, err) },
		)
		if !c.attach(g, consumer) {
			return false, nil
		}
		consumer.Start(ctx)
		<-consumer.Done()
		if consumer.State() == StreamError {
			return true, consumer.Err()
		}
		return false, nil
	})
	if err != nil && ctx.Err() == nil {
		c.log.Error().Err(err).Str("device_id", deviceID).Msg("live updates stopped")
	}
}

func (c *SessionController) attach(g uint64, consumer *LiveStreamConsumer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g != c.gen {
		return false
	}
	c.consumer = consumer
	c.streamState = StreamConnecting
	return true
}

func (c *SessionController) admitLive(g uint64, r models.Reading) {
	c.mu.Lock()
	if g != c.gen {
		c.discard("live", g)
		c.mu.Unlock()
		return
	}
	admitted := c.window.Admit(r)
	if admitted {
		c.latest = &r
	}
	c.mu.Unlock()
	if admitted {
		c.notify()
	}
}

func (c *SessionController) streamChanged(g uint64, s StreamState, err error) {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return
	}
	c.streamState = s
	c.streamErr = err
	c.maybeLive()
	c.mu.Unlock()
	c.notify()
}

// maybeLive enters Live once the snapshot settled and the stream opened. Callers hold c.mu.
func (c *SessionController) maybeLive() {
	if c.state == Loading && c.snapshotIn && c.streamState == StreamOpen {
		c.state = Live
	}
}

func (c *SessionController) discard(kind string, g uint64) {
	c.discarded++
	c.log.Debug().Str("result", kind).Uint64("generation", g).Uint64("current", c.gen).Msg("discarding stale result")
}

func (c *SessionController) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}
