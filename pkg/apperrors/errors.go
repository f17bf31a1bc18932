// Package apperrors defines the error-kind taxonomy shared by the
// replicated document engine, following the core's error handling design.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch with errors.Is against a
// sentinel while still carrying a wrapped cause for logs.
type Kind string

const (
	// NotReady indicates the local node has not yet been assigned a
	// member id (self-registration has not fired).
	NotReady Kind = "not_ready"
	// NotParseableAsId indicates a document key could not be parsed back
	// into an integer id (lease id, member id).
	NotParseableAsId Kind = "not_parseable_as_id"
	// LeaseAlreadyExists indicates add_lease collided with an existing id.
	LeaseAlreadyExists Kind = "lease_already_exists"
	// MissingLease indicates a put referenced a lease id that does not
	// exist; callers degrade rather than fail on this kind.
	MissingLease Kind = "missing_lease"
	// MissingValue indicates an invariant violation discovered while
	// replaying watch history (a revision recorded with no value).
	MissingValue Kind = "missing_value"
	// PeerTransport indicates a connection or send failure talking to a
	// peer; never surfaced to clients, retried with backoff.
	PeerTransport Kind = "peer_transport"
	// Persistence indicates a flush or load failure against durable
	// storage.
	Persistence Kind = "persistence"
	// CRDTApply indicates a malformed sync frame or a programmer-
	// invariant violation inside the CRDT primitive.
	CRDTApply Kind = "crdt_apply"
)

// Error wraps a Kind and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, apperrors.New(SomeKind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel returns an unwrapped sentinel usable purely for errors.Is
// comparisons against a Kind, e.g. errors.Is(err, apperrors.Sentinel(apperrors.MissingLease)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// OfKind reports whether err (or something it wraps) is an *Error of kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
