// Package window holds the bounded, duplicate-free, newest-first buffer of readings for the active device.
package window

import (
	"CapIot.lorawan/internal/models"

	"github.com/gammazero/deque"
)

// DefaultCapacity is one day of readings at a five minute uplink interval.
const DefaultCapacity = 288

// Order describes how a batch handed to BulkAdmit is sorted.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// DedupWindow keeps at most capacity readings, newest at the front. Readings carrying a frame counter
// already present in the window are rejected. The seen set only covers retained readings, so a frame
// counter is forgotten once its reading is evicted.
//
// A DedupWindow is not safe for concurrent use; its owner serializes access.
type DedupWindow struct {
	capacity int
	items    deque.Deque[models.Reading]
	seen     map[uint32]struct{}
	version  uint64
}

// New creates a window. A negative capacity is treated as zero.
func New(capacity int) *DedupWindow {
	if capacity < 0 {
		capacity = 0
	}
	return &DedupWindow{
		capacity: capacity,
		seen:     make(map[uint32]struct{}),
	}
}

// Admit prepends r unless its frame counter is already retained. It reports whether r was retained;
// a window of capacity 0 retains nothing and is left untouched.
func (w *DedupWindow) Admit(r models.Reading) bool {
	if w.capacity == 0 {
		return false
	}
	key, hasKey := r.FrameKey()
	if hasKey {
		if _, dup := w.seen[key]; dup {
			return false
		}
		w.seen[key] = struct{}{}
	}
	w.items.PushFront(r)

	for w.items.Len() > w.capacity {
		evicted := w.items.PopBack()
		if k, ok := evicted.FrameKey(); ok {
			delete(w.seen, k)
		}
	}
	w.version++
	return true
}

// BulkAdmit seeds the window from a snapshot. Readings go through Admit from oldest to newest so the
// newest ends up at the front. Returns how many were retained on admission.
func (w *DedupWindow) BulkAdmit(readings []models.Reading, order Order) int {
	accepted := 0
	if order == OldestFirst {
		for _, r := range readings {
			if w.Admit(r) {
				accepted++
			}
		}
		return accepted
	}
	for i := len(readings) - 1; i >= 0; i-- {
		if w.Admit(readings[i]) {
			accepted++
		}
	}
	return accepted
}

// Reset drops every reading and every remembered frame counter.
func (w *DedupWindow) Reset() {
	if w.items.Len() == 0 && len(w.seen) == 0 {
		return
	}
	w.items.Clear()
	w.seen = make(map[uint32]struct{})
	w.version++
}

// Len returns the number of retained readings.
func (w *DedupWindow) Len() int {
	return w.items.Len()
}

func (w *DedupWindow) Capacity() int {
	return w.capacity
}

// Version changes every time the contents change.
func (w *DedupWindow) Version() uint64 {
	return w.version
}

// Readings returns a newest-first copy of the window.
func (w *DedupWindow) Readings() []models.Reading {
	out := make([]models.Reading, w.items.Len())
	for i := range out {
		out[i] = w.items.At(i)
	}
	return out
}

// Latest returns the most recently admitted reading.
func (w *DedupWindow) Latest() (models.Reading, bool) {
	if w.items.Len() == 0 {
		return models.Reading{}, false
	}
	return w.items.Front(), true
}

// Seen reports whether a frame counter is currently retained.
func (w *DedupWindow) Seen(frameCounter uint32) bool {
	_, ok := w.seen[frameCounter]
	return ok
}

// SeenCount is the size of the seen set.
func (w *DedupWindow) SeenCount() int {
	return len(w.seen)
}
