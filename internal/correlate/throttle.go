// Package correlate groups findings into alerts and enforces the alert
// throughput cap.
package correlate

import (
	"sync"
	"time"
)

// Throttle enforces a sliding-window cap on alert creations. A suppression
// episode begins when the cap is hit and ends once capacity returns; each
// episode requests exactly one summary notice.
type Throttle struct {
	mu     sync.Mutex
	limit  int
	window time.Duration

	stamps     []time.Time
	suppressed int
	noticed    bool
}

// NewThrottle creates a throttle allowing limit creations per window.
// A non-positive limit disables throttling.
func NewThrottle(limit int, window time.Duration) *Throttle {
	return &Throttle{limit: limit, window: window}
}

// prune drops creation stamps that have slid out of the window. If capacity
// returned, the current suppression episode is over.
func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.stamps) && !t.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.stamps = append(t.stamps[:0], t.stamps[i:]...)
	}
	if len(t.stamps) < t.limit {
		t.noticed = false
		t.suppressed = 0
	}
}

// Acquire attempts to reserve capacity for one alert creation at now.
// When the cap is exceeded it returns allowed=false, and notify=true for
// the first rejection of the episode.
func (t *Throttle) Acquire(now time.Time) (allowed, notify bool) {
	if t.limit <= 0 {
		return true, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.prune(now)
	if len(t.stamps) < t.limit {
		t.stamps = append(t.stamps, now)
		return true, false
	}

	t.suppressed++
	if !t.noticed {
		t.noticed = true
		return false, true
	}
	return false, false
}

// Suppressed returns the rejection count of the current episode.
func (t *Throttle) Suppressed(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	return t.suppressed
}
