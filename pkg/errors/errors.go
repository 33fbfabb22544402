package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed pipeline error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for the submission pipeline.
var (
	ErrPresign      = New("PRESIGN_FAILED", http.StatusBadGateway, "failed to acquire upload target")
	ErrTransfer     = New("TRANSFER_FAILED", http.StatusBadGateway, "failed to transfer file")
	ErrRegistration = New("REGISTRATION_FAILED", http.StatusBadGateway, "failed to register submission")
	ErrTrigger      = New("TRIGGER_FAILED", http.StatusBadGateway, "failed to trigger processing")
	ErrPoll         = New("POLL_FAILED", http.StatusBadGateway, "failed to poll batch status")
	ErrCancelled    = New("UPLOAD_CANCELLED", http.StatusConflict, "upload cancelled")
	ErrValidation   = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrNotFound     = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrUnauthorized = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrInternal     = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if IsCancellation(err) {
		return Wrap(err, ErrCancelled.Code, ErrCancelled.Status, ErrCancelled.Message)
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// IsCancellation reports whether err stems from a cancelled context or an
// explicit pipeline cancellation.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var e *Error
	if errors.As(err, &e) && e.Code == ErrCancelled.Code {
		return true
	}
	return false
}
