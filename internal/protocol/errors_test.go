package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrBadRequest,
		ErrNotFound,
		ErrNotReady,
		ErrLedgerRejected,
		ErrPartialSubmission,
		ErrUnrecoverable,
		ErrConflict,
		ErrLedgerUnavailable,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeOfFollowsWrapping(t *testing.T) {
	base := Errorf(ErrUnrecoverable, "secret for %s lost", "0x01")
	wrapped := fmt.Errorf("resolve: %w", base)
	if got := CodeOf(wrapped); got != ErrUnrecoverable {
		t.Fatalf("CodeOf = %q", got)
	}
	if IsRetryable(wrapped) {
		t.Fatalf("unrecoverable must not be retryable")
	}
	if got := CodeOf(errors.New("disk full")); got != ErrInternal {
		t.Fatalf("plain error code = %q", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("nil code = %q", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ErrPartialSubmission, cause, "send %s", "0xabc").WithRetry()
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if err.Error() != "E_PARTIAL_SUBMISSION: send 0xabc: connection reset" {
		t.Fatalf("message = %q", err.Error())
	}
}
