package voicevox

import (
	"errors"
	"fmt"

	"voicevox-core-go/voicevox/ffi_wrapper"
)

var (
	// ErrLibraryNotFound matches errors from New when the library path does
	// not name a file.
	ErrLibraryNotFound = ffi_wrapper.ErrLibraryNotFound

	ErrPrecondition       = errors.New("precondition failed")
	ErrAlreadyLoaded      = errors.New("library already loaded")
	ErrAlreadyInitialized = errors.New("already initialized")
)

// ResultError carries a non-OK code returned by the library.
type ResultError struct {
	Code    ffi_wrapper.ResultCode
	Message string
}

func newResultError(code ffi_wrapper.ResultCode) *ResultError {
	return &ResultError{Code: code, Message: ffi_wrapper.GetResultMessage(code)}
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("voicevox: %s (%s)", e.Message, e.Code)
}

// Is matches another *ResultError with the same code, so callers can write
// errors.Is(err, &ResultError{Code: ffi_wrapper.ResultInvalidSpeakerIdError}).
func (e *ResultError) Is(target error) bool {
	var other *ResultError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// PreconditionError is raised before any native call when the arguments
// cannot be passed to the library as given.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("voicevox: %s: %s", e.Op, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

func preconditionf(op, format string, args ...any) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...)}
}
