package errors

import (
	stderrors "errors"
	"strconv"
	"time"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Caller-safe message
	Metadata map[string]string // Additional structured context
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with structured metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// RateLimited creates a RateLimitExceeded error carrying the back-off hint.
func RateLimited(action string, retryAfter time.Duration) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return WithMetadata(CodeRateLimitExceeded, "rate limit exceeded", map[string]string{
		"action":         action,
		"retry_after_ms": formatMillis(retryAfter),
	})
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrUnauthorized      = New(CodeUnauthorized, "unauthorized")
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrBadRequest        = New(CodeBadRequest, "bad request")
	ErrRateLimitExceeded = New(CodeRateLimitExceeded, "rate limit exceeded")
	ErrConflict          = New(CodeConflict, "conflict")
	ErrUnavailable       = New(CodeUnavailable, "unavailable")
)

// CodeOf returns the domain code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// As unwraps err to a domain error.
func As(err error) (*Error, bool) {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

func formatMillis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
