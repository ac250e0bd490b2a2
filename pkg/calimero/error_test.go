package calimero

import (
	"errors"
	"testing"
)

func TestErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := New(ErrorKindStorage, "save entity", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if err.Retryable {
		t.Fatalf("New should not mark the error retryable")
	}
}

func TestNewRetryableSetsFlag(t *testing.T) {
	err := NewRetryable(ErrorKindSync, "stream closed", nil)
	if !err.Retryable {
		t.Fatalf("expected NewRetryable to set Retryable")
	}
	if err.Kind.String() != "sync" {
		t.Fatalf("kind string = %q, want %q", err.Kind.String(), "sync")
	}
}
