// Package apperr defines the error kinds the core distinguishes, per §7 of
// the specification. Handlers map a Kind to an HTTP status or websocket
// error code; nothing outside this package needs to know the mapping.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth               Kind = "auth"
	KindNotFound           Kind = "not_found"
	KindLockContention     Kind = "lock_contention"
	KindSessionTransferred Kind = "session_transferred"
	KindWorkflowLocked     Kind = "workflow_locked"
	KindInvalidFormat      Kind = "invalid_format"
	KindUnknownType        Kind = "unknown_type"
	KindInvariantViolation Kind = "invariant_violation"
	KindTransient          Kind = "transient"
	KindPermanent          Kind = "permanent"
)

// Error wraps an underlying cause with a Kind the caller can switch on via
// errors.As, without losing the original error for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind, defaulting to KindPermanent for untyped errors
// so callers never have to special-case "unknown" at the boundary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

var (
	ErrNotFound           = New(KindNotFound, "resource not found")
	ErrLockContention     = New(KindLockContention, "lock held by another session or workflow")
	ErrSessionTransferred = New(KindSessionTransferred, "session superseded by a newer connection")
	ErrWorkflowLocked     = New(KindWorkflowLocked, "database locked by a running workflow")
)
