// Package apperrors defines the coded error taxonomy shared by the engine.
//
// Policy denials are not errors; they are structured evaluator results.
// Errors here cover the operational failures a caller must distinguish:
// unknown entities, illegal state transitions, duplicate requests, and
// retryable storage outages.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for HTTP status mapping.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeInvalidTransition Code = "invalid_transition"
	CodePolicyDenied      Code = "policy_violation"
	CodeDuplicateRequest  Code = "duplicate_request"
	CodeInvalidInput      Code = "invalid_input"
	CodeUnauthorized      Code = "unauthorized"
	CodeUnavailable       Code = "storage_unavailable"
	CodeInternal          Code = "internal"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two coded errors by code, so sentinel-style checks work:
// errors.Is(err, apperrors.New(apperrors.CodeNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing entity by kind and key.
func NotFound(kind, key string) *Error {
	return Newf(CodeNotFound, "%s %q not found", kind, key)
}

// InvalidTransition reports a mutation attempted on a terminal record.
func InvalidTransition(recordID, from, to string) *Error {
	return Newf(CodeInvalidTransition, "access record %s cannot transition from %s to %s", recordID, from, to)
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *Error {
	return Newf(CodeInvalidInput, "%s: %s", field, message)
}

// Unavailable reports a retryable storage failure.
func Unavailable(err error, op string) *Error {
	return Wrap(err, CodeUnavailable, op)
}

// CodeOf extracts the code from an error, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeDuplicateRequest:
		return http.StatusConflict
	case CodePolicyDenied:
		return http.StatusForbidden
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
