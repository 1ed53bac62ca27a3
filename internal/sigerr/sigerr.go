// Package sigerr defines the error kinds surfaced to signalling
// clients, each wrapping an optional cause for operator-side
// errors.Is/errors.As inspection.
package sigerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is a closed set of wire-visible error categories.
type Kind string

const (
	MalformedMessage      Kind = "malformed-message"
	UnknownKind           Kind = "unknown-kind"
	AlreadyJoined         Kind = "already-joined"
	UserIDConflict        Kind = "user-id-conflict"
	NotInRoom             Kind = "not-in-room"
	SubscriptionMismatch  Kind = "subscription-mismatch"
	RoomFull              Kind = "room-full"
	RateLimited           Kind = "rate-limited"
	Internal              Kind = "internal"
)

// Error is a signalling-facing error: a Kind plus an optional wrapped
// cause and, for Internal errors, a correlation id that is both
// logged and returned to the client so a report can be matched to a
// server log line.
type Error struct {
	Kind          Kind
	Cause         error
	CorrelationID string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a non-internal Error of the given kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// NewInternal builds an Internal error with a fresh correlation id,
// suitable for logging at Error level and returning to the client as
// a last-resort catch-all.
func NewInternal(cause error) *Error {
	return &Error{Kind: Internal, Cause: cause, CorrelationID: uuid.NewString()}
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
