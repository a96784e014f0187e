package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := LocatorStale("Map003.json:events.4.text")
	if !errors.Is(err, ErrLocatorStale) {
		t.Error("LocatorStale should match ErrLocatorStale")
	}
	if errors.Is(err, ErrPatchConflict) {
		t.Error("LocatorStale should not match ErrPatchConflict")
	}
}

func TestWrappedCauseSurvives(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Provider(true, "batch 3 failed", cause)

	wrapped := fmt.Errorf("translating: %w", err)
	if !errors.Is(wrapped, ErrProvider) {
		t.Error("wrapped provider error should still match ErrProvider")
	}

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("errors.As failed")
	}
	if e.Err != cause {
		t.Error("cause lost in wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Provider(true, "rate limited", nil)) {
		t.Error("retryable provider error should be retryable")
	}
	if IsRetryable(Provider(false, "quota exceeded", nil)) {
		t.Error("fatal provider error should not be retryable")
	}
	if IsRetryable(CorruptContainer("gdc", "bad magic")) {
		t.Error("non-provider error should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	err := ChecksumMismatch("data/Map001.json", "abc", "def")
	want := "CHECKSUM_MISMATCH: data/Map001.json: checksum def, want abc"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
