// Package fault defines the error taxonomy shared by the auction engine.
//
// Every failure surfaced by a component carries a Kind (driving transport
// mapping and retry policy) and a short machine-readable Reason code callers
// can branch on, plus a human-readable message.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	// KindValidation is bad input shape or range. Never retried.
	KindValidation Kind = "validation"
	// KindStateConflict is a request that is well-formed but illegal in the
	// current state (auction ended, self-bid, already authorized). Not retried.
	KindStateConflict Kind = "state_conflict"
	// KindNotFound is a missing auction, listing, deposit or order.
	KindNotFound Kind = "not_found"
	// KindExternalProcessor is a failed payment-processor call. The original
	// caller never retries; the reconciliation sweep does.
	KindExternalProcessor Kind = "external_processor"
	// KindPersistence is a datastore write failure after a processor side
	// effect succeeded; it must trigger a compensating action.
	KindPersistence Kind = "persistence"
	// KindRateLimited is a caller exceeding its request budget.
	KindRateLimited Kind = "rate_limited"
)

// Error is the concrete error type for all engine failures.
type Error struct {
	Kind    Kind
	Reason  string // stable machine code, e.g. "bid_below_minimum"
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on kind+reason sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New builds an Error of the given kind.
func New(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(err error, kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), cause: err}
}

func Validation(reason, format string, args ...any) *Error {
	return New(KindValidation, reason, format, args...)
}

func StateConflict(reason, format string, args ...any) *Error {
	return New(KindStateConflict, reason, format, args...)
}

func NotFound(reason, format string, args ...any) *Error {
	return New(KindNotFound, reason, format, args...)
}

func ExternalProcessor(err error, reason, format string, args ...any) *Error {
	return Wrap(err, KindExternalProcessor, reason, format, args...)
}

func Persistence(err error, reason, format string, args ...any) *Error {
	return Wrap(err, KindPersistence, reason, format, args...)
}

func RateLimited(reason, format string, args ...any) *Error {
	return New(KindRateLimited, reason, format, args...)
}

// KindOf extracts the kind from an error chain; unclassified errors report
// KindPersistence so they are never silently treated as caller mistakes.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPersistence
}

// ReasonOf extracts the machine reason code, or "" for unclassified errors.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
