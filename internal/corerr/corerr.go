// Package corerr defines the error-kind taxonomy shared across the credit
// facility core, mirroring the sentinel-error style of native/lending's
// errNilState/errInvalidAmount variables but adding a typed Kind so callers
// at the API boundary can switch on failure category without string
// matching.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of §7 of the specification.
type Kind string

const (
	KindAuthorizationDenied   Kind = "authorization_denied"
	KindNotFound              Kind = "not_found"
	KindInvariantViolated     Kind = "invariant_violated"
	KindConcurrentModification Kind = "concurrent_modification"
	KindLedgerError           Kind = "ledger_error"
	KindJobExecutionError     Kind = "job_execution_error"
	KindTransportError        Kind = "transport_error"
)

// Error wraps an underlying cause with a Kind and an operation label.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the supplied Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NotFound builds a not-found error for the given entity/id pair.
func NotFound(op, entity, id string) *Error {
	return New(KindNotFound, op, fmt.Errorf("%s %s not found", entity, id))
}

// ConcurrentModification builds the optimistic-concurrency conflict error
// the event-sourced repository contract (§4.A) returns when the stored
// sequence has advanced past what the caller loaded.
func ConcurrentModification(op string, id string, expectedSeq, actualSeq int) *Error {
	return New(KindConcurrentModification, op,
		fmt.Errorf("entity %s: expected sequence %d, found %d", id, expectedSeq, actualSeq))
}

// AuthorizationDenied builds the denial error recorded by internal/audit.
func AuthorizationDenied(subject, action, object string) *Error {
	return New(KindAuthorizationDenied, "authz.enforce",
		fmt.Errorf("subject %s may not %s on %s", subject, action, object))
}

// Invariant builds an invariant-violation error, e.g. BelowMarginLimit.
func Invariant(op, code string, detail error) *Error {
	return New(KindInvariantViolated, op, fmt.Errorf("%s: %w", code, detail))
}
