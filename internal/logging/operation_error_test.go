package logging

import (
	"errors"
	"testing"
)

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("storage.put", "2401", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("bucket unavailable")
	err := NewOperationError("storage.put", "2401", base)

	if got, want := err.Error(), "storage.put (subject_id=2401): bucket unavailable"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "storage.put" {
		t.Fatalf("expected OperationError with operation storage.put, got %#v", err)
	}
}

func TestOperationErrorWithoutSubject(t *testing.T) {
	err := NewOperationError("identity.token", "", errors.New("timeout"))
	if got, want := err.Error(), "identity.token: timeout"; got != want {
		t.Fatalf("unexpected message: %q", got)
	}
}
