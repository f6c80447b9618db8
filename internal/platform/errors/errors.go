// Package errors provides the structured error type shared by poll services.
package errors

import stderrors "errors"

// Code is a machine-readable error code. Codes double as the wire code sent
// in errorMessage frames and as message catalog keys.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Domain errors
	CodeNotFound            Code = "NOT_FOUND"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeNotAcceptingAnswers Code = "NOT_ACCEPTING_ANSWERS"
	CodeTransitionRefused   Code = "TRANSITION_REFUSED"

	// Transport errors
	CodeInvalidFrame Code = "INVALID_FRAME"
	CodeRateLimited  Code = "RATE_LIMITED"
)

// UserVisible reports whether errors with this code are reported back to the
// requesting connection. Everything else is a silent refusal.
func (c Code) UserVisible() bool {
	switch c {
	case CodeNotFound, CodeInvalidFrame, CodeRateLimited:
		return true
	default:
		return false
	}
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for message formatting
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
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

// WithMetadata creates a domain error with metadata for message formatting.
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

// CodeOf extracts the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var target *Error
	if stderrors.As(err, &target) {
		return target.Code
	}
	return CodeUnknown
}
