// Package aggregate derives rolling daily statistics from the alert store.
package aggregate

import (
	"context"
	"sort"
	"time"

	"lolbin-sentinel/internal/alertstore"
	"lolbin-sentinel/internal/rules"
)

// DefaultWindowDays is the default reporting window.
const DefaultWindowDays = 7

// risk score weights per alert
const (
	weightCritical = 30
	weightHigh     = 15
	weightOther    = 5
	riskScoreMax   = 100
)

// DayStats summarizes one UTC day.
type DayStats struct {
	Date       string                 `json:"date"`
	Total      int                    `json:"total"`
	BySeverity map[rules.Severity]int `json:"by_severity"`
	RiskScore  int                    `json:"risk_score"`
}

// BinaryCount is one entry of the per-binary distribution.
type BinaryCount struct {
	Binary string `json:"binary"`
	Count  int    `json:"count"`
}

// Report is a point-in-time snapshot over the window, oldest day first.
type Report struct {
	WindowDays int           `json:"window_days"`
	Days       []DayStats    `json:"days"`
	Binaries   []BinaryCount `json:"binaries"`
}

type dayBucket struct {
	bySeverity map[rules.Severity]int
	byBinary   map[string]int
	total      int
}

// Aggregator is a read-side projection over the alert store. Every
// snapshot is recomputed from the store, so severity escalations applied
// after creation and restarts with a durable backend are reflected. Days
// are bucketed by the alert's FirstSeenAt in UTC; synthetic alerts are
// ignored.
type Aggregator struct {
	windowDays int
	store      alertstore.Store
}

// New creates an Aggregator reporting over windowDays of history.
// Non-positive values fall back to DefaultWindowDays.
func New(windowDays int, store alertstore.Store) *Aggregator {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Aggregator{windowDays: windowDays, store: store}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// riskScore derives the 0..100 daily score from severity counts.
func riskScore(bySeverity map[rules.Severity]int) int {
	score := 0
	for sev, n := range bySeverity {
		switch sev {
		case rules.SeverityCritical:
			score += weightCritical * n
		case rules.SeverityHigh:
			score += weightHigh * n
		default:
			score += weightOther * n
		}
	}
	if score > riskScoreMax {
		return riskScoreMax
	}
	return score
}

// Snapshot recomputes the report from the store over the window ending at
// now, oldest day first. Days without alerts appear with zero counts.
func (g *Aggregator) Snapshot(ctx context.Context, now time.Time) (Report, error) {
	now = now.UTC()
	windowStart := now.AddDate(0, 0, -(g.windowDays - 1)).Truncate(24 * time.Hour)

	// The list filter works on last_seen_at; that is a superset of the
	// window because an alert is never seen before it is first seen.
	// The day-key check below narrows to first_seen_at.
	alerts, err := g.store.List(ctx, alertstore.Filter{Since: &windowStart})
	if err != nil {
		return Report{}, err
	}

	startKey, endKey := dayKey(windowStart), dayKey(now)
	days := make(map[string]*dayBucket)
	for _, a := range alerts {
		if a.Synthetic {
			continue
		}
		key := dayKey(a.FirstSeenAt)
		if key < startKey || key > endKey {
			continue
		}
		b, ok := days[key]
		if !ok {
			b = &dayBucket{
				bySeverity: make(map[rules.Severity]int),
				byBinary:   make(map[string]int),
			}
			days[key] = b
		}
		b.total++
		b.bySeverity[a.Severity]++
		b.byBinary[a.Binary]++
	}

	report := Report{WindowDays: g.windowDays}
	binaries := make(map[string]int)

	for i := g.windowDays - 1; i >= 0; i-- {
		key := dayKey(now.AddDate(0, 0, -i))
		day := DayStats{
			Date:       key,
			BySeverity: make(map[rules.Severity]int),
		}
		if b, ok := days[key]; ok {
			day.Total = b.total
			for sev, n := range b.bySeverity {
				day.BySeverity[sev] = n
			}
			day.RiskScore = riskScore(b.bySeverity)
			for bin, n := range b.byBinary {
				binaries[bin] += n
			}
		}
		report.Days = append(report.Days, day)
	}

	report.Binaries = make([]BinaryCount, 0, len(binaries))
	for bin, n := range binaries {
		report.Binaries = append(report.Binaries, BinaryCount{Binary: bin, Count: n})
	}
	sort.Slice(report.Binaries, func(i, j int) bool {
		if report.Binaries[i].Count != report.Binaries[j].Count {
			return report.Binaries[i].Count > report.Binaries[j].Count
		}
		return report.Binaries[i].Binary < report.Binaries[j].Binary
	})
	return report, nil
}
