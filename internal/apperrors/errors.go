package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes an application error.
type Code string

const (
	// CodeNotFound indicates a record, job or media file is absent.
	CodeNotFound Code = "not_found"
	// CodeDuplicateIdentifier indicates a second record for the same external video.
	CodeDuplicateIdentifier Code = "duplicate_identifier"
	// CodeJobFailed indicates a background job reached a failed terminal state.
	CodeJobFailed Code = "job_failed"
	// CodeUnavailable indicates the store or the queue could not be reached.
	CodeUnavailable Code = "service_unavailable"
	// CodeValidation indicates malformed input, including extractor metadata.
	CodeValidation Code = "validation"
	// CodeInternal is everything else.
	CodeInternal Code = "internal"
)

// AppError is a structured error with a code, message and optional cause.
type AppError struct {
	Code    Code
	Message string
	Cause   error
	// Field names the offending input, when there is one.
	Field string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NotFoundf creates a NotFound error with a formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// DuplicateIdentifier reports a uniqueness violation on a video identifier.
func DuplicateIdentifier(identifier string, cause error) *AppError {
	return &AppError{
		Code:    CodeDuplicateIdentifier,
		Message: fmt.Sprintf("video %q already exists", identifier),
		Field:   "identifier",
		Cause:   cause,
	}
}

// JobFailed reports a job that will never produce a result.
func JobFailed(key, reason string) *AppError {
	msg := fmt.Sprintf("job %s failed", key)
	if reason != "" {
		msg += ": " + reason
	}
	return &AppError{Code: CodeJobFailed, Message: msg}
}

// Unavailable wraps a failure to reach a backing service.
func Unavailable(what string, cause error) *AppError {
	return &AppError{Code: CodeUnavailable, Message: what + " unavailable", Cause: cause}
}

// Validation reports an invalid or missing field.
func Validation(field, message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Field: field}
}

// CodeOf returns the code of the first AppError in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error to the response status used by the router.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateIdentifier:
		return http.StatusConflict
	case CodeJobFailed:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
