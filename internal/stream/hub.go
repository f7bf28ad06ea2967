// Package stream fans accepted readings out to event-stream subscribers, per device.
package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/metrics"
)

const (
	subscriberBuffer  = 64
	KeepAliveInterval = 15 * time.Second
)

// Hub delivers payloads to the subscribers of a device. Publishing never blocks; a subscriber whose
// buffer is full misses the message.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a subscriber for deviceID. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(deviceID string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	h.mu.Lock()
	subs, ok := h.subscribers[deviceID]
	if !ok {
		subs = make(map[chan []byte]struct{})
		h.subscribers[deviceID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	metrics.StreamSubscribers.Inc()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(subs, ch)
			if len(h.subscribers[deviceID]) == 0 {
				delete(h.subscribers, deviceID)
			}
			close(ch)
			h.mu.Unlock()
			metrics.StreamSubscribers.Dec()
		})
	}
	return ch, unsubscribe
}

// Publish sends payload to every current subscriber of deviceID.
func (h *Hub) Publish(deviceID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers[deviceID] {
		select {
		case ch <- payload:
		default:
			metrics.StreamDropped.Inc()
		}
	}
}

// Subscribers returns the number of subscribers of deviceID.
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[deviceID])
}

// ServeSSE streams deviceID's payloads to w until the client goes away.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, deviceID string, keepAlive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := h.Subscribe(deviceID)
	defer unsubscribe()

	log := logging.With().Str("device_id", deviceID).Str("subscriber", uuid.NewString()).Logger()
	log.Debug().Msg("stream subscriber connected")
	defer log.Debug().Msg("stream subscriber disconnected")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}
			flusher.Flush()
		}
	}
}
