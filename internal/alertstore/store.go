package alertstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lolbin-sentinel/internal/rules"
)

// UpdateType classifies a store change event.
type UpdateType string

const (
	UpdateCreated       UpdateType = "created"
	UpdateRepeated      UpdateType = "repeated"
	UpdateStatusChanged UpdateType = "status_changed"
)

// Update is emitted after every successful store mutation.
type Update struct {
	Type  UpdateType `json:"type"`
	Alert *Alert     `json:"alert"`
}

// Publisher receives store updates. Implementations must not block.
type Publisher interface {
	Publish(Update)
}

// Touch records a repeat occurrence against an open alert. Severity is
// raised to the given value when higher, never lowered. The original sample
// command line is preserved.
type Touch struct {
	LastSeenAt time.Time
	Severity   rules.Severity
}

// Store persists alerts and enforces the status state machine.
type Store interface {
	// Create inserts a new alert in StatusNew.
	Create(ctx context.Context, a *Alert) error

	// Get returns the alert by id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Alert, error)

	// OpenByKey returns the open (new or acknowledged) alert for a
	// correlation key, or ErrNotFound when no open alert exists.
	OpenByKey(ctx context.Context, key string) (*Alert, error)

	// RecordRepeat applies a Touch to an open alert and returns the
	// updated copy.
	RecordRepeat(ctx context.Context, id uuid.UUID, t Touch) (*Alert, error)

	// SetStatus transitions an alert, recording the actor. Returns
	// ErrInvalidTransition for illegal edges and ErrNotFound for
	// unknown ids.
	SetStatus(ctx context.Context, id uuid.UUID, to Status, actor string) (*Alert, error)

	// List returns alerts matching the filter, most recently seen first.
	List(ctx context.Context, f Filter) ([]*Alert, error)

	Close() error
}
