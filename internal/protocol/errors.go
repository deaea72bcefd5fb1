package protocol

import (
	"errors"
	"fmt"
)

const (
	// Caller input.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"

	// Time-gated preconditions.
	ErrNotReady = "E_NOT_READY"

	// Ledger boundary.
	ErrLedgerRejected    = "E_LEDGER_REJECTED"
	ErrPartialSubmission = "E_PARTIAL_SUBMISSION"
	ErrUnrecoverable     = "E_UNRECOVERABLE"
	ErrConflict          = "E_CONFLICT"
	ErrLedgerUnavailable = "E_LEDGER_UNAVAILABLE"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:        {},
	ErrNotFound:          {},
	ErrNotReady:          {},
	ErrLedgerRejected:    {},
	ErrPartialSubmission: {},
	ErrUnrecoverable:     {},
	ErrConflict:          {},
	ErrLedgerUnavailable: {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is an engine error with a stable code. Retryable errors may be repeated with
// the same inputs; the persisted secret is reused.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to a lower-level error.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) WithRetry() *Error {
	e.Retryable = true
	return e
}

// CodeOf returns the code of the first *Error in err's chain, E_INTERNAL for any
// other non-nil error and "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}
