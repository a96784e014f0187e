// Package errs defines the error taxonomy shared across the engine.
//
// The classes map to distinct recovery policies: per-unit failures
// (PatchConflict, LocatorStale) exclude the unit and continue, per-file
// failures (FormatUnsupported, CorruptContainer) skip the file and
// continue the job, provider failures are retried or surfaced depending
// on Retryable, and ChecksumMismatch during restore halts all further
// automated action.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class.
type Code string

const (
	CodeFormatUnsupported Code = "FORMAT_UNSUPPORTED"
	CodeCorruptContainer  Code = "CORRUPT_CONTAINER"
	CodePatchConflict     Code = "PATCH_CONFLICT"
	CodeLocatorStale      Code = "LOCATOR_STALE"
	CodeProvider          Code = "PROVIDER_ERROR"
	CodeChecksumMismatch  Code = "CHECKSUM_MISMATCH"
	CodeWriteConflict     Code = "WRITE_CONFLICT"
)

// Error is a classified engine error.
type Error struct {
	Code    Code
	Message string
	// Retryable is meaningful only for CodeProvider.
	Retryable bool
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is matching against another *Error by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinel values for errors.Is checks.
var (
	ErrFormatUnsupported = &Error{Code: CodeFormatUnsupported}
	ErrCorruptContainer  = &Error{Code: CodeCorruptContainer}
	ErrPatchConflict     = &Error{Code: CodePatchConflict}
	ErrLocatorStale      = &Error{Code: CodeLocatorStale}
	ErrProvider          = &Error{Code: CodeProvider}
	ErrChecksumMismatch  = &Error{Code: CodeChecksumMismatch}
	ErrWriteConflict     = &Error{Code: CodeWriteConflict}
)

// FormatUnsupported reports that no codec variant matches a file.
func FormatUnsupported(path string) *Error {
	return &Error{Code: CodeFormatUnsupported, Message: fmt.Sprintf("no codec matches %s", path)}
}

// CorruptContainer reports a parse-time structural violation.
func CorruptContainer(format, detail string) *Error {
	return &Error{Code: CodeCorruptContainer, Message: fmt.Sprintf("%s: %s", format, detail)}
}

// CorruptContainerf is CorruptContainer with a format string.
func CorruptContainerf(format, detail string, args ...any) *Error {
	return CorruptContainer(format, fmt.Sprintf(detail, args...))
}

// PatchConflict reports overlapping patch regions or an unknown object id.
func PatchConflict(detail string) *Error {
	return &Error{Code: CodePatchConflict, Message: detail}
}

// LocatorStale reports a locator that no longer resolves in a container.
func LocatorStale(locator string) *Error {
	return &Error{Code: CodeLocatorStale, Message: fmt.Sprintf("locator does not resolve: %s", locator)}
}

// Provider wraps a translation-provider failure.
func Provider(retryable bool, msg string, err error) *Error {
	return &Error{Code: CodeProvider, Message: msg, Retryable: retryable, Err: err}
}

// ChecksumMismatch reports a restore-time integrity failure.
func ChecksumMismatch(path, want, got string) *Error {
	return &Error{
		Code:    CodeChecksumMismatch,
		Message: fmt.Sprintf("%s: checksum %s, want %s", path, got, want),
	}
}

// WriteConflict reports a memory-store entry collision.
func WriteConflict(hash string) *Error {
	return &Error{Code: CodeWriteConflict, Message: fmt.Sprintf("entry exists with different target text: %s", hash)}
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeProvider && e.Retryable
	}
	return false
}
