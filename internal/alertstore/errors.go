package alertstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested alert does not exist.
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidTransition indicates a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("alert store unavailable")
)

// StoreError wraps a storage failure with operation context.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("alertstore: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
