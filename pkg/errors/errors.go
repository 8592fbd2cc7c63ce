// Package errors provides the structured error type shared by every layer of
// the service. Each error carries a machine-readable code and a human message;
// transports map the code to an HTTP status or gRPC code.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable kind of an error.
type Code string

const (
	ErrCodeInvalidInput         Code = "INVALID_INPUT"
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeConflict             Code = "CONFLICT"
	ErrCodeUnauthorized         Code = "UNAUTHORIZED"
	ErrCodeForbidden            Code = "FORBIDDEN"
	ErrCodeNoApplicableWorkflow Code = "NO_APPLICABLE_WORKFLOW"
	ErrCodeInternal             Code = "INTERNAL"
)

// Error is the structured error returned by services and repositories.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource. Tenant mismatches use it too.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Conflict reports a state conflict such as acting on a terminal step.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// Forbidden reports an actor that may not perform the operation.
func Forbidden(message string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: message}
}

// NoApplicableWorkflow reports that no active workflow matched a request.
func NoApplicableWorkflow(requestType string) *Error {
	return &Error{
		Code:    ErrCodeNoApplicableWorkflow,
		Message: fmt.Sprintf("no applicable workflow for request type %q", requestType),
	}
}

// CodeOf returns the code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status used in responses.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNoApplicableWorkflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show callers. Internal errors
// never expose their wrapped cause.
func PublicMessage(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Field
	}
	return ""
}
