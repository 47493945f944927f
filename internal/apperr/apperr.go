// Package apperr defines the typed error taxonomy shared by every service.
//
// Services return an *Error (possibly wrapped); the transport layer maps
// HTTPStatus onto the response and never exposes Cause to clients. The Code
// values form a closed set so tests and API consumers can match on them.
package apperr

import (
	"errors"
	"net/http"
)

// Error codes exposed to the transport layer.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeBadRequest      = "BAD_REQUEST"
	CodeConflict        = "CONFLICT"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
)

// Error is the canonical application error.
//
// Message is client-safe. Cause is for server-side logging only and is never
// serialised. Details carries structured hints (e.g. retryAfter, remaining
// attempts) that handlers may surface.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"error"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
}

// Error implements the error interface with the client-safe message.
func (e *Error) Error() string { return e.Message }

// Unwrap lets errors.Is and errors.As traverse the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// WithDetail attaches a structured detail and returns the same error for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for server-side logging.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NotFound creates a 404 error for a named resource.
func NotFound(resource string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(msg string) *Error {
	return &Error{
		Code:       CodeUnauthorized,
		Message:    msg,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(msg string) *Error {
	return &Error{
		Code:       CodeForbidden,
		Message:    msg,
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a 400 error for invalid input or an invalid state
// transition.
func BadRequest(msg string) *Error {
	return &Error{
		Code:       CodeBadRequest,
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a 409 error for duplicates and unique-constraint
// violations.
func Conflict(msg string) *Error {
	return &Error{
		Code:       CodeConflict,
		Message:    msg,
		HTTPStatus: http.StatusConflict,
	}
}

// TooManyRequests creates a 429 error for rate-limit and lockout conditions.
func TooManyRequests(msg string) *Error {
	return &Error{
		Code:       CodeTooManyRequests,
		Message:    msg,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Internal creates a 500 error wrapping an unexpected server-side failure.
// The cause is stored for logging but never sent to the client.
func Internal(cause error) *Error {
	return &Error{
		Code:       CodeInternal,
		Message:    "an unexpected error occurred",
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// As extracts the *Error from err's chain, or nil when absent.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// Code returns the error code from err's chain, or CodeInternal for
// untyped errors.
func Code(err error) string {
	if ae := As(err); ae != nil {
		return ae.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return Code(err) == code
}
