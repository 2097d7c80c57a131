package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TransientStoreError wraps a Store failure that is expected to succeed on
// retry: lock contention, busy connections, or a cancelled context deadline.
// Callers retry through internal/backoff rather than surfacing it directly.
type TransientStoreError struct {
	Op    string
	Cause error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store: transient error during %s: %v", e.Op, e.Cause)
}

func (e *TransientStoreError) Unwrap() error { return e.Cause }

// PermanentStoreError wraps a Store failure caused by bad data shape
// (constraint violation, missing row, malformed payload). Callers never
// recover from this mid-turn; it is surfaced to the caller as-is.
type PermanentStoreError struct {
	Op    string
	Cause error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("store: permanent error during %s: %v", e.Op, e.Cause)
}

func (e *PermanentStoreError) Unwrap() error { return e.Cause }

// ErrNotFound is wrapped by PermanentStoreError when a lookup finds no row.
var ErrNotFound = errors.New("store: not found")

// classify wraps err as a TransientStoreError or PermanentStoreError based
// on substring matching against known sqlite/driver failure modes, mirroring
// the classifier already used for tool errors in internal/agent/errors.go.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientStoreError{Op: op, Cause: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "sqlite_locked"),
		strings.Contains(msg, "connection reset"):
		return &TransientStoreError{Op: op, Cause: err}
	default:
		return &PermanentStoreError{Op: op, Cause: err}
	}
}

// IsTransient reports whether err is a TransientStoreError anywhere in its
// chain.
func IsTransient(err error) bool {
	var transient *TransientStoreError
	return errors.As(err, &transient)
}

// IsPermanent reports whether err is a PermanentStoreError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var permanent *PermanentStoreError
	return errors.As(err, &permanent)
}
