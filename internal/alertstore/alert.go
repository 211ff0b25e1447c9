// Package alertstore owns the alert lifecycle: creation, repeat tracking,
// and the audited status state machine.
package alertstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/rules"
)

// Status represents the lifecycle status of an alert.
type Status string

const (
	StatusNew           Status = "new"
	StatusAcknowledged  Status = "acknowledged"
	StatusMitigated     Status = "mitigated"
	StatusFalsePositive Status = "false_positive"
)

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusMitigated, StatusFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusMitigated || s == StatusFalsePositive
}

// Open reports whether an alert in this status still suppresses duplicate
// creation for its correlation key.
func (s Status) Open() bool {
	return s == StatusNew || s == StatusAcknowledged
}

// transitions is the legal state machine edge table.
var transitions = map[Status]map[Status]bool{
	StatusNew: {
		StatusAcknowledged:  true,
		StatusMitigated:     true,
		StatusFalsePositive: true,
	},
	StatusAcknowledged: {
		StatusMitigated:     true,
		StatusFalsePositive: true,
	},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Transition is one audited entry in an alert's status history.
type Transition struct {
	Status Status    `json:"status"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
}

// SystemActor attributes transitions performed by the engine itself.
const SystemActor = "system"

// Alert is the unit surfaced to operators and reports.
type Alert struct {
	ID             uuid.UUID      `json:"id"`
	CorrelationKey string         `json:"correlation_key"`
	Binary         string         `json:"binary"`
	TechniqueID    string         `json:"technique_id,omitempty"`
	HostID         string         `json:"host_id"`
	Severity       rules.Severity `json:"severity"`
	Status         Status         `json:"status"`
	Title          string         `json:"title"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	RepeatCount int       `json:"repeat_count"`

	SampleCommandLine string    `json:"sample_command_line"`
	SampleEventID     uuid.UUID `json:"sample_event_id"`

	// Synthetic marks engine-generated summary alerts (e.g. the
	// "alerts suppressed" notice), which carry no triggering event.
	Synthetic bool `json:"synthetic,omitempty"`

	StatusHistory []Transition `json:"status_history"`
}

// CorrelationKey builds the deterministic grouping key for an incident.
// Identical keys identify the same logical incident.
func CorrelationKey(binary, techniqueID, hostID string) string {
	return fmt.Sprintf("%s|%s|%s", binary, techniqueID, hostID)
}

// ApplyStatus transitions the alert to a new status, recording the actor in
// the status history. History entries are only ever appended.
func (a *Alert) ApplyStatus(to Status, actor string, now time.Time) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	a.StatusHistory = append(a.StatusHistory, Transition{Status: to, Actor: actor, At: now})
	return nil
}

// Clone returns a deep copy, so store callers cannot mutate shared state.
func (a *Alert) Clone() *Alert {
	out := *a
	out.StatusHistory = make([]Transition, len(a.StatusHistory))
	copy(out.StatusHistory, a.StatusHistory)
	return &out
}

// Filter defines query filters for listing alerts. Time bounds are inclusive
// and apply to LastSeenAt. Results default to LastSeenAt descending.
type Filter struct {
	Status   *Status
	Severity *rules.Severity
	HostID   string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// Matches reports whether an alert passes the filter.
func (f *Filter) Matches(a *Alert) bool {
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Severity != nil && a.Severity != *f.Severity {
		return false
	}
	if f.HostID != "" && a.HostID != f.HostID {
		return false
	}
	if f.Since != nil && a.LastSeenAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && a.LastSeenAt.After(*f.Until) {
		return false
	}
	return true
}
