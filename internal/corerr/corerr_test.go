package corerr

import (
	"errors"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := NotFound("test.op", "widget", "abc-123")
	if !Is(err, KindNotFound) {
		t.Fatal("expected Is to match KindNotFound")
	}
	if Is(err, KindLedgerError) {
		t.Fatal("did not expect Is to match an unrelated kind")
	}
}

func TestIsIgnoresStringCopiesAndMatchesNestedError(t *testing.T) {
	base := NotFound("test.op", "widget", "abc-123")
	wrapped := errors.New("context: " + base.Error())
	if Is(wrapped, KindNotFound) {
		t.Fatal("Is must not match a plain string-wrapped error without errors.As support")
	}

	rewrapped := &Error{Kind: base.Kind, Op: "outer", Err: base}
	if !Is(rewrapped, KindNotFound) {
		t.Fatal("expected Is to match through a nested *Error chain")
	}
}

func TestConcurrentModificationMessage(t *testing.T) {
	err := ConcurrentModification("eventsourcing.UpdateInOp", "agg-1", 3, 5)
	if !Is(err, KindConcurrentModification) {
		t.Fatal("expected KindConcurrentModification")
	}
	if err.Op != "eventsourcing.UpdateInOp" {
		t.Fatalf("Op = %q", err.Op)
	}
}

func TestAuthorizationDenied(t *testing.T) {
	err := AuthorizationDenied("user-1", "credit_facility.approve", "credit_facility:*")
	if !Is(err, KindAuthorizationDenied) {
		t.Fatal("expected KindAuthorizationDenied")
	}
}
