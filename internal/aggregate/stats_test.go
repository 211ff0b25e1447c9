package aggregate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/rules"
)

func seedAlert(t *testing.T, store *alertstore.MemoryStore, binary string, sev rules.Severity, at time.Time) *alertstore.Alert {
	t.Helper()
	a := &alertstore.Alert{
		ID:             uuid.New(),
		CorrelationKey: fmt.Sprintf("%s|T0000|%s", binary, uuid.NewString()),
		Binary:         binary,
		TechniqueID:    "T0000",
		HostID:         "host-1",
		Severity:       sev,
		FirstSeenAt:    at,
		LastSeenAt:     at,
		RepeatCount:    1,
	}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return a
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name       string
		bySeverity map[rules.Severity]int
		want       int
	}{
		{"empty", map[rules.Severity]int{}, 0},
		{"single critical", map[rules.Severity]int{rules.SeverityCritical: 1}, 30},
		{"single high", map[rules.Severity]int{rules.SeverityHigh: 1}, 15},
		{"medium and low weigh the same", map[rules.Severity]int{rules.SeverityMedium: 1, rules.SeverityLow: 1}, 10},
		{"mixed", map[rules.Severity]int{rules.SeverityCritical: 2, rules.SeverityHigh: 1, rules.SeverityLow: 3}, 90},
		{"clamped at 100", map[rules.Severity]int{rules.SeverityCritical: 10}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := riskScore(tt.bySeverity); got != tt.want {
				t.Errorf("riskScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAggregator_Snapshot(t *testing.T) {
	now := time.Date(2025, 6, 7, 15, 0, 0, 0, time.UTC)
	store := alertstore.NewMemoryStore(nil)
	g := New(7, store)

	seedAlert(t, store, "certutil.exe", rules.SeverityCritical, now)
	seedAlert(t, store, "certutil.exe", rules.SeverityHigh, now.Add(-time.Hour))
	seedAlert(t, store, "mshta.exe", rules.SeverityLow, now.AddDate(0, 0, -2))
	seedAlert(t, store, "certutil.exe", rules.SeverityMedium, now.AddDate(0, 0, -2))

	report, err := g.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if len(report.Days) != 7 {
		t.Fatalf("days = %d, want 7", len(report.Days))
	}
	if report.Days[0].Date != "2025-06-01" || report.Days[6].Date != "2025-06-07" {
		t.Errorf("window = %s..%s, want 2025-06-01..2025-06-07", report.Days[0].Date, report.Days[6].Date)
	}

	today := report.Days[6]
	if today.Total != 2 {
		t.Errorf("today total = %d, want 2", today.Total)
	}
	if today.RiskScore != 45 {
		t.Errorf("today risk score = %d, want 45", today.RiskScore)
	}

	twoAgo := report.Days[4]
	if twoAgo.Total != 2 || twoAgo.RiskScore != 10 {
		t.Errorf("day -2 total=%d score=%d, want 2/10", twoAgo.Total, twoAgo.RiskScore)
	}

	// Empty days report zeros.
	if report.Days[3].Total != 0 || report.Days[3].RiskScore != 0 {
		t.Errorf("empty day has nonzero stats: %+v", report.Days[3])
	}

	if len(report.Binaries) != 2 {
		t.Fatalf("binaries = %d, want 2", len(report.Binaries))
	}
	if report.Binaries[0].Binary != "certutil.exe" || report.Binaries[0].Count != 3 {
		t.Errorf("top binary = %+v, want certutil.exe x3", report.Binaries[0])
	}
}

func TestAggregator_ReflectsRepeatEscalation(t *testing.T) {
	now := time.Date(2025, 6, 7, 15, 0, 0, 0, time.UTC)
	store := alertstore.NewMemoryStore(nil)
	g := New(7, store)

	a := seedAlert(t, store, "rundll32.exe", rules.SeverityHigh, now.Add(-time.Hour))
	touch := alertstore.Touch{LastSeenAt: now, Severity: rules.SeverityCritical}
	if _, err := store.RecordRepeat(context.Background(), a.ID, touch); err != nil {
		t.Fatalf("RecordRepeat() error = %v", err)
	}

	report, err := g.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	// The repeat raised the stored severity. The day bucket must reflect
	// the alert's current severity, not the one it was created with.
	today := report.Days[6]
	if today.BySeverity[rules.SeverityCritical] != 1 || today.BySeverity[rules.SeverityHigh] != 0 {
		t.Errorf("by_severity = %v, want the escalated critical tier", today.BySeverity)
	}
	if today.RiskScore != 30 {
		t.Errorf("risk score = %d, want 30", today.RiskScore)
	}
}

func TestAggregator_UTCDayBoundary(t *testing.T) {
	now := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	store := alertstore.NewMemoryStore(nil)
	g := New(7, store)

	// 23:30 New York on June 6 is 03:30 UTC on June 7.
	loc := time.FixedZone("EDT", -4*3600)
	seedAlert(t, store, "wmic.exe", rules.SeverityLow, time.Date(2025, 6, 6, 23, 30, 0, 0, loc))

	report, err := g.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if report.Days[6].Total != 1 {
		t.Errorf("alert not bucketed into the UTC day: %+v", report.Days)
	}
	if report.Days[5].Total != 0 {
		t.Errorf("alert leaked into the local-time day")
	}
}

func TestAggregator_IgnoresSynthetic(t *testing.T) {
	now := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	store := alertstore.NewMemoryStore(nil)
	g := New(7, store)

	syn := &alertstore.Alert{
		ID:             uuid.New(),
		CorrelationKey: "summary|" + uuid.NewString(),
		Severity:       rules.SeverityHigh,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		Synthetic:      true,
	}
	if err := store.Create(context.Background(), syn); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	report, err := g.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, d := range report.Days {
		if d.Total != 0 {
			t.Errorf("synthetic alert counted on %s", d.Date)
		}
	}
}

func TestAggregator_ExcludesOutsideWindow(t *testing.T) {
	now := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	store := alertstore.NewMemoryStore(nil)
	g := New(7, store)

	// First seen long before the window; a recent repeat keeps it listed
	// but it must not land in any day bucket.
	old := seedAlert(t, store, "curl.exe", rules.SeverityLow, now.AddDate(0, 0, -30))
	if _, err := store.RecordRepeat(context.Background(), old.ID, alertstore.Touch{LastSeenAt: now}); err != nil {
		t.Fatalf("RecordRepeat() error = %v", err)
	}
	seedAlert(t, store, "curl.exe", rules.SeverityLow, now)

	report, err := g.Snapshot(context.Background(), now)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	total := 0
	for _, d := range report.Days {
		total += d.Total
	}
	if total != 1 {
		t.Errorf("window total = %d, want 1", total)
	}
	if len(report.Binaries) != 1 || report.Binaries[0].Count != 1 {
		t.Errorf("binaries = %+v, want curl.exe x1", report.Binaries)
	}
}
