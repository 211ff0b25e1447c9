package correlate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/match"
	"lolbin-sentinel/internal/rules"
)

func testFinding(binary, technique, host string, sev rules.Severity, at time.Time) *match.Finding {
	return &match.Finding{
		Rule: rules.Rule{
			Binary:       binary,
			TechniqueID:  technique,
			BaseSeverity: sev,
			Description:  "suspicious invocation",
		},
		EventID:     uuid.New(),
		Binary:      binary,
		CommandLine: binary + " -payload",
		HostID:      host,
		ObservedAt:  at,
		Severity:    sev,
	}
}

func newTestCorrelator(t *testing.T, cfg Config) (*Correlator, *alertstore.MemoryStore) {
	t.Helper()
	store := alertstore.NewMemoryStore(nil)
	c, err := New(cfg, store)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, store
}

func TestCorrelator_RepeatFolding(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCorrelator(t, DefaultConfig())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := c.Submit(ctx, testFinding("certutil.exe", "T1105", "host-1", rules.SeverityHigh, base))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if first.Outcome != OutcomeCreated {
		t.Fatalf("first outcome = %s, want created", first.Outcome)
	}

	var last *Result
	for i := 1; i < 5; i++ {
		last, err = c.Submit(ctx, testFinding("certutil.exe", "T1105", "host-1", rules.SeverityHigh, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		if last.Outcome != OutcomeUpdated {
			t.Fatalf("Submit(%d) outcome = %s, want updated", i, last.Outcome)
		}
	}

	if last.Alert.ID != first.Alert.ID {
		t.Errorf("repeats opened a second alert: %s vs %s", last.Alert.ID, first.Alert.ID)
	}
	if last.Alert.RepeatCount != 5 {
		t.Errorf("repeat count = %d, want 5", last.Alert.RepeatCount)
	}
	if !last.Alert.LastSeenAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("last seen = %v, want %v", last.Alert.LastSeenAt, base.Add(4*time.Minute))
	}
}

func TestCorrelator_DistinctKeys(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCorrelator(t, DefaultConfig())
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		binary, technique, host string
	}{
		{"certutil.exe", "T1105", "host-1"},
		{"certutil.exe", "T1105", "host-2"},
		{"certutil.exe", "T1003.003", "host-1"},
		{"mshta.exe", "T1105", "host-1"},
	}
	seen := make(map[uuid.UUID]bool)
	for _, tt := range tests {
		res, err := c.Submit(ctx, testFinding(tt.binary, tt.technique, tt.host, rules.SeverityMedium, at))
		if err != nil {
			t.Fatalf("Submit(%v) error = %v", tt, err)
		}
		if res.Outcome != OutcomeCreated {
			t.Errorf("Submit(%v) outcome = %s, want created", tt, res.Outcome)
		}
		seen[res.Alert.ID] = true
	}
	if len(seen) != 4 {
		t.Errorf("distinct alerts = %d, want 4", len(seen))
	}
}

func TestCorrelator_SeverityRaisedNeverLowered(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCorrelator(t, DefaultConfig())
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := c.Submit(ctx, testFinding("wmic.exe", "T1047", "host-1", rules.SeverityMedium, at)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	res, err := c.Submit(ctx, testFinding("wmic.exe", "T1047", "host-1", rules.SeverityCritical, at.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Alert.Severity != rules.SeverityCritical {
		t.Errorf("severity = %s, want critical", res.Alert.Severity)
	}

	res, err = c.Submit(ctx, testFinding("wmic.exe", "T1047", "host-1", rules.SeverityLow, at.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Alert.Severity != rules.SeverityCritical {
		t.Errorf("severity lowered to %s", res.Alert.Severity)
	}
}

func TestCorrelator_ReopenAfterClose(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCorrelator(t, DefaultConfig())
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := c.Submit(ctx, testFinding("mshta.exe", "T1218.005", "host-1", rules.SeverityHigh, at))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := store.SetStatus(ctx, first.Alert.ID, alertstore.StatusMitigated, "analyst"); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	second, err := c.Submit(ctx, testFinding("mshta.exe", "T1218.005", "host-1", rules.SeverityHigh, at.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if second.Outcome != OutcomeCreated {
		t.Fatalf("outcome after close = %s, want created", second.Outcome)
	}
	if second.Alert.ID == first.Alert.ID {
		t.Errorf("reopened alert reused the closed id")
	}
	if second.Alert.CorrelationKey != first.Alert.CorrelationKey {
		t.Errorf("correlation key changed on reopen")
	}
	if second.Alert.RepeatCount != 1 {
		t.Errorf("fresh alert repeat count = %d, want 1", second.Alert.RepeatCount)
	}
}

func TestCorrelator_StalenessHorizon(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.StalenessHorizon = 24 * time.Hour
	c, _ := newTestCorrelator(t, cfg)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	first, err := c.Submit(ctx, testFinding("schtasks.exe", "T1053.005", "host-1", rules.SeverityMedium, at))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Within the horizon the open alert absorbs the finding.
	within, err := c.Submit(ctx, testFinding("schtasks.exe", "T1053.005", "host-1", rules.SeverityMedium, at.Add(23*time.Hour)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if within.Outcome != OutcomeUpdated {
		t.Fatalf("outcome within horizon = %s, want updated", within.Outcome)
	}

	// Beyond it the open alert counts as closed and a new one opens.
	beyond, err := c.Submit(ctx, testFinding("schtasks.exe", "T1053.005", "host-1", rules.SeverityMedium, at.Add(23*time.Hour).Add(25*time.Hour)))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if beyond.Outcome != OutcomeCreated {
		t.Fatalf("outcome beyond horizon = %s, want created", beyond.Outcome)
	}
	if beyond.Alert.ID == first.Alert.ID {
		t.Errorf("stale alert absorbed the finding")
	}
}

func TestCorrelator_HourlyCap(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAlertsPerHour = 100
	c, store := newTestCorrelator(t, cfg)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var created, suppressed, summaries int
	for i := 0; i < 150; i++ {
		host := fmt.Sprintf("host-%d", i)
		res, err := c.Submit(ctx, testFinding("rundll32.exe", "T1218.011", host, rules.SeverityHigh, at))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		switch res.Outcome {
		case OutcomeCreated:
			created++
		case OutcomeSuppressed:
			suppressed++
			if res.Summary != nil {
				summaries++
			}
		default:
			t.Fatalf("Submit(%d) outcome = %s", i, res.Outcome)
		}
	}

	if created != 100 {
		t.Errorf("created = %d, want 100", created)
	}
	if suppressed != 50 {
		t.Errorf("suppressed = %d, want 50", suppressed)
	}
	if summaries != 1 {
		t.Errorf("summary notices = %d, want exactly 1", summaries)
	}

	// Updates to existing alerts are not throttled.
	res, err := c.Submit(ctx, testFinding("rundll32.exe", "T1218.011", "host-0", rules.SeverityHigh, at.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Submit(update) error = %v", err)
	}
	if res.Outcome != OutcomeUpdated {
		t.Errorf("update outcome under cap = %s, want updated", res.Outcome)
	}

	all, err := store.List(ctx, alertstore.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 101 {
		t.Errorf("stored alerts = %d, want 100 real + 1 summary", len(all))
	}
}

func TestCorrelator_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCorrelator(t, DefaultConfig())
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Submit(ctx, testFinding("bitsadmin.exe", "T1197", "host-1", rules.SeverityMedium, at.Add(time.Duration(i)*time.Second)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Submit() error = %v", err)
		}
	}

	all, err := store.List(ctx, alertstore.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("concurrent submissions created %d alerts, want 1", len(all))
	}
	if all[0].RepeatCount != n {
		t.Errorf("repeat count = %d, want %d", all[0].RepeatCount, n)
	}
}

func TestThrottle_EpisodeReset(t *testing.T) {
	th := NewThrottle(2, time.Hour)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if ok, _ := th.Acquire(base); !ok {
			t.Fatalf("Acquire(%d) rejected under cap", i)
		}
	}

	ok, notify := th.Acquire(base.Add(time.Minute))
	if ok || !notify {
		t.Fatalf("first rejection: allowed=%v notify=%v, want false/true", ok, notify)
	}
	ok, notify = th.Acquire(base.Add(2 * time.Minute))
	if ok || notify {
		t.Fatalf("second rejection: allowed=%v notify=%v, want false/false", ok, notify)
	}
	if got := th.Suppressed(base.Add(2 * time.Minute)); got != 2 {
		t.Errorf("Suppressed() = %d, want 2", got)
	}

	// Window slides, capacity returns, and the next episode notifies again.
	later := base.Add(2 * time.Hour)
	if ok, _ := th.Acquire(later); !ok {
		t.Fatalf("Acquire after window slide rejected")
	}
	if ok, _ := th.Acquire(later); !ok {
		t.Fatalf("second Acquire after slide rejected")
	}
	if ok, notify := th.Acquire(later); ok || !notify {
		t.Errorf("new episode: allowed=%v notify=%v, want false/true", ok, notify)
	}
}
