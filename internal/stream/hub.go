// Package stream fans alert updates out to in-process subscribers and
// external pub/sub.
package stream

import (
	"context"
	"sync"

	"lolbin-sentinel/internal/alertstore"
)

// Cursor orders updates. Zero means "from the next update".
type Cursor uint64

// Event is one update stamped with its position in the stream.
type Event struct {
	Cursor Cursor            `json:"cursor"`
	Update alertstore.Update `json:"update"`
}

// Hub buffers recent updates in a ring and wakes waiters. It implements
// alertstore.Publisher, so it can sit directly behind a store.
type Hub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Event
	head   int
	size   int
	next   Cursor
	closed bool
}

// NewHub creates a hub retaining the last capacity updates.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1024
	}
	h := &Hub{
		buf:  make([]Event, capacity),
		next: 1,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish appends an update and wakes all waiters. It never blocks.
func (h *Hub) Publish(u alertstore.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.buf[h.head] = Event{Cursor: h.next, Update: u}
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.next++
	h.cond.Broadcast()
}

// since returns buffered events after the cursor. Events older than the
// ring's retention are gone; callers see a gap and resync via the store.
func (h *Hub) since(cursor Cursor) []Event {
	var out []Event
	start := h.head - h.size
	for i := 0; i < h.size; i++ {
		idx := (start + i + len(h.buf)) % len(h.buf)
		if h.buf[idx].Cursor > cursor {
			out = append(out, h.buf[idx])
		}
	}
	return out
}

// Wait blocks until at least one event after cursor is available, the
// context ends, or the hub closes. It returns the available events; an
// empty slice means the wait ended without news.
func (h *Hub) Wait(ctx context.Context, cursor Cursor) []Event {
	// Wake the condition wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if events := h.since(cursor); len(events) > 0 {
			return events
		}
		if h.closed || ctx.Err() != nil {
			return nil
		}
		h.cond.Wait()
	}
}

// Latest returns the most recent cursor, for subscribers that want to
// start from "now".
func (h *Hub) Latest() Cursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next - 1
}

// Close wakes all waiters and drops future updates.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cond.Broadcast()
}
