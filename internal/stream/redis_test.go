package stream

import (
	"io"
	"log/slog"
	"testing"

	"lolbin-sentinel/internal/alertstore"
)

func TestRedisPublisher_PublishNeverBlocks(t *testing.T) {
	p := &RedisPublisher{
		channel: "sentinel.alerts",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		updates: make(chan alertstore.Update, 2),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	// No delivery goroutine is draining: the buffer fills and overflow
	// must be dropped, not block the caller.
	for i := 0; i < 10; i++ {
		p.Publish(alertstore.Update{Type: alertstore.UpdateCreated})
	}
	if len(p.updates) != 2 {
		t.Errorf("buffered = %d, want 2", len(p.updates))
	}

	p.closed.Store(true)
	p.Publish(alertstore.Update{Type: alertstore.UpdateCreated})
	if len(p.updates) != 2 {
		t.Error("Publish after Close must drop the update")
	}
}
