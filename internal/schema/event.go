// Package schema defines the canonical process-execution event for the
// detection engine. All collected observations are normalized to this
// structure before matching.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event represents a normalized process-execution observation.
// Events are ephemeral: the engine consumes them once and never stores them.
type Event struct {
	// Required fields
	EventID     uuid.UUID `json:"event_id" validate:"required"`
	Binary      string    `json:"binary" validate:"required,max=512,binary_format"`
	CommandLine string    `json:"command_line" validate:"required,max=65536"`
	HostID      string    `json:"host_id" validate:"required,max=256"`
	ObservedAt  time.Time `json:"observed_at" validate:"required"`

	// Optional fields
	ParentBinary string `json:"parent_binary,omitempty" validate:"omitempty,max=512,binary_format"`
	User         string `json:"user,omitempty" validate:"max=256"`
	ProcessID    int    `json:"process_id,omitempty" validate:"omitempty,min=0"`

	// Internal fields (set by system)
	ReceivedAt time.Time `json:"received_at"`
}

// NormalizedBinary returns the executable name lower-cased with any leading
// path stripped. Both slash styles are handled since events may originate
// from Windows or Unix hosts.
func (e *Event) NormalizedBinary() string {
	return NormalizeBinary(e.Binary)
}

// NormalizedParent returns the normalized parent process name, or "" if the
// observation carried none.
func (e *Event) NormalizedParent() string {
	if e.ParentBinary == "" {
		return ""
	}
	return NormalizeBinary(e.ParentBinary)
}

// NormalizeBinary lower-cases an executable name and strips any directory
// prefix, so "C:\Windows\System32\CertUtil.exe" and "certutil.exe" compare
// equal.
func NormalizeBinary(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}
