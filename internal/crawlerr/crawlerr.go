// Package crawlerr defines the structured error kinds the core exposes to
// callers as typed result values; background workers never surface these
// directly, their failures manifest as job state transitions.
package crawlerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind enumerates the error categories surfaced by ingress operations.
type Kind string

const (
	Unauthenticated   Kind = "unauthenticated"
	Forbidden         Kind = "forbidden"
	NotFound          Kind = "not_found"
	QuotaExceeded     Kind = "quota_exceeded"
	PolicyViolation   Kind = "policy_violation"
	CapacityExhausted Kind = "capacity_exhausted"
	WorkerUnavailable Kind = "worker_unavailable"
	Timeout           Kind = "timeout"
	Conflict          Kind = "conflict"
	Internal          Kind = "internal"
)

// Error is the typed error carried across service boundaries. Background
// workers never return these to a submitter directly; they manifest as job
// state transitions and bus events instead.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Cause         error

	// QuotaExceeded detail.
	Limit   int
	Used    int
	ResetAt string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v (corr=%s)", e.Kind, e.Message, e.Cause, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s (corr=%s)", e.Kind, e.Message, e.CorrelationID)
}

func (e *Error) Unwrap() error { return e.Cause }

func newCorrelationID() string { return uuid.New().String() }

// New builds a crawlerr.Error of the given kind with a fresh correlation id.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: newCorrelationID()}
}

// Wrap builds a crawlerr.Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: newCorrelationID(), Cause: cause}
}

// QuotaErr builds a QuotaExceeded error carrying limit, used, and reset
// time for the caller.
func QuotaErr(limit, used int, resetAt string) *Error {
	return &Error{
		Kind:          QuotaExceeded,
		Message:       "insufficient remaining crawl units",
		CorrelationID: newCorrelationID(),
		Limit:         limit,
		Used:          used,
		ResetAt:       resetAt,
	}
}

// KindOf extracts the Kind from err, defaulting to Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is a crawlerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
