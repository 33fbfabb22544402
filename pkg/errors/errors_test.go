package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorStringForms(t *testing.T) {
	bare := New("TRANSFER_FAILED", http.StatusBadGateway, "failed to transfer file")
	if got := bare.Error(); got != "failed to transfer file" {
		t.Fatalf("Error() = %q, want message alone", got)
	}

	wrapped := Wrap(errors.New("connection reset"), bare.Code, bare.Status, bare.Message)
	if got := wrapped.Error(); got != "failed to transfer file: connection reset" {
		t.Fatalf("Error() = %q, want message with cause", got)
	}

	var nilErr *Error
	if got := nilErr.Error(); got != "<nil>" {
		t.Fatalf("nil Error() = %q, want <nil>", got)
	}
}

func TestWrapKeepsCauseReachable(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, ErrPoll.Code, ErrPoll.Status, "failed to poll batch status")

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is lost the wrapped cause")
	}

	var typed *Error
	if !errors.As(fmt.Errorf("tick: %w", err), &typed) {
		t.Fatalf("errors.As did not find the typed error through wrapping")
	}
	if typed.Code != "POLL_FAILED" || typed.Status != http.StatusBadGateway {
		t.Fatalf("typed = %+v, want POLL_FAILED at 502", typed)
	}
	if typed.Unwrap() != cause {
		t.Fatalf("Unwrap() = %v, want the original cause", typed.Unwrap())
	}
}

func TestFromErrorNormalisation(t *testing.T) {
	if FromError(nil) != nil {
		t.Fatalf("FromError(nil) should stay nil")
	}

	typed := Clone(ErrRegistration, "batch is closed")
	if got := FromError(fmt.Errorf("register: %w", typed)); got != typed {
		t.Fatalf("FromError should surface the existing typed error, got %+v", got)
	}

	cancelled := FromError(context.Canceled)
	if cancelled.Code != ErrCancelled.Code || cancelled.Status != http.StatusConflict {
		t.Fatalf("context.Canceled mapped to %+v, want UPLOAD_CANCELLED at 409", cancelled)
	}

	plain := FromError(errors.New("disk full"))
	if plain.Code != ErrInternal.Code {
		t.Fatalf("plain error mapped to %q, want INTERNAL_ERROR", plain.Code)
	}
	if !errors.Is(plain, plain.Err) {
		t.Fatalf("normalised error must keep the cause reachable")
	}
}

func TestCloneOverridesMessageOnly(t *testing.T) {
	got := Clone(ErrTrigger, "round 3 rejected")
	if got.Message != "round 3 rejected" {
		t.Fatalf("message = %q, want override", got.Message)
	}
	if got.Code != ErrTrigger.Code || got.Status != ErrTrigger.Status {
		t.Fatalf("clone = %+v, want code and status preserved", got)
	}
	// The sentinel itself must stay untouched for the next caller.
	if ErrTrigger.Message != "failed to trigger processing" {
		t.Fatalf("sentinel mutated to %q", ErrTrigger.Message)
	}

	if got := Clone(ErrTrigger, ""); got.Message != ErrTrigger.Message {
		t.Fatalf("empty override replaced the message with %q", got.Message)
	}
	if Clone(nil, "whatever") != nil {
		t.Fatalf("Clone(nil) should stay nil")
	}
}

func TestIsCancellation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, true},
		{"wrapped context canceled", fmt.Errorf("transfer: %w", context.Canceled), true},
		{"cancelled sentinel clone", Clone(ErrCancelled, "upload cancelled"), true},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"transfer failure", Clone(ErrTransfer, "status 503"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsCancellation(tc.err); got != tc.want {
			t.Fatalf("%s: IsCancellation = %v, want %v", tc.name, got, tc.want)
		}
	}
}
