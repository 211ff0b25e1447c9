// Package queue provides the bounded ring buffer between event intake and
// the detection workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"lolbin-sentinel/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer for events. Pushing to a
// full buffer drops the event and counts it; intake never blocks on slow
// detection workers.
type RingBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buffer []*schema.Event
	head   int
	tail   int
	count  int
	closed bool

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	rb := &RingBuffer{
		buffer: make([]*schema.Event, size),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push enqueues an event. Returns ErrQueueFull when at capacity and
// ErrQueueClosed after Close.
func (rb *RingBuffer) Push(event *schema.Event) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == len(rb.buffer) {
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = event
	rb.tail = (rb.tail + 1) % len(rb.buffer)
	rb.count++
	rb.pushed.Add(1)

	rb.cond.Signal()
	return nil
}

// Pop blocks until an event is available, the context ends, or the queue
// closes and drains.
func (rb *RingBuffer) Pop(ctx context.Context) (*schema.Event, error) {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rb.cond.Wait()
	}

	event := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % len(rb.buffer)
	rb.count--
	rb.popped.Add(1)
	return event, nil
}

// Len returns the current queue depth.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the queue capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.buffer)
}

// Close wakes waiting consumers. Queued events remain poppable until the
// buffer drains.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics holds queue statistics.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Stats returns a snapshot of queue statistics.
func (rb *RingBuffer) Stats() Metrics {
	return Metrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.Cap(),
	}
}
