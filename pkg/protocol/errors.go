package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure on the wire.
type Code string

const (
	CodeUnauthenticated  Code = "unauthenticated"
	CodeInvalidRequest   Code = "invalid_request"
	CodeForbidden        Code = "forbidden"
	CodeUnknownMethod    Code = "unknown_method"
	CodeNotFound         Code = "not_found"
	CodeTimeout          Code = "timeout"
	CodeOverflow         Code = "overflow"
	CodeExecution        Code = "execution_error"
	CodeRateLimited      Code = "rate_limited"
	CodeConnectionClosed Code = "connection_closed"
	CodeInternal         Code = "internal"
)

// Error is the structured error carried by failed responses.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors of the same code, so errors.Is(err, ErrTimeout) works for
// any timeout regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// HTTPStatus maps the error code to the status used by request/stream endpoints.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnknownMethod, CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeConnectionClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel errors for errors.Is comparisons.
var (
	ErrUnauthenticated  = &Error{Code: CodeUnauthenticated}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest}
	ErrForbidden        = &Error{Code: CodeForbidden}
	ErrUnknownMethod    = &Error{Code: CodeUnknownMethod}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrTimeout          = &Error{Code: CodeTimeout}
	ErrOverflow         = &Error{Code: CodeOverflow}
	ErrRateLimited      = &Error{Code: CodeRateLimited}
	ErrConnectionClosed = &Error{Code: CodeConnectionClosed}
)

// Errorf builds a structured error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a structured error. Errors that are not
// already structured become internal errors, except context deadlines which
// map to timeouts.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
