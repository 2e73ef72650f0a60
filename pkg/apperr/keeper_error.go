package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Auth errors
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"

	// Validation errors
	CodeInvalidParams = "INVALID_PARAMS"
	CodeMissingField  = "MISSING_FIELD"

	// Resource errors
	CodeNotFound = "NOT_FOUND"
	CodeConflict = "CONFLICT"

	// Execution errors
	CodeTimeout       = "TIMEOUT"
	CodeCancelled     = "CANCELLED"
	CodeSafetyBlocked = "SAFETY_BLOCKED"
	CodeExhausted     = "EXHAUSTED"

	// External errors
	CodeUpstream = "UPSTREAM"

	// Internal errors
	CodeCorrupt       = "CORRUPT"
	CodeUnavailable   = "UNAVAILABLE"
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Auth errors
func Unauthenticated(message string) *AppError {
	if message == "" {
		message = "no valid session"
	}
	return &AppError{
		Code:    CodeUnauthenticated,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

// Validation errors
func InvalidParams(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidParams,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidField(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("invalid value for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// Execution errors
func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

func Cancelled(operation string) *AppError {
	return &AppError{
		Code:    CodeCancelled,
		Message: fmt.Sprintf("operation cancelled: %s", operation),
		Status:  http.StatusConflict,
	}
}

// SafetyBlocked reports an operation refused by a safety gate. The blocking
// reason is preserved in Details so callers can surface it in results.skipped.
func SafetyBlocked(reason string) *AppError {
	return &AppError{
		Code:    CodeSafetyBlocked,
		Message: fmt.Sprintf("blocked by safety gate: %s", reason),
		Status:  http.StatusUnprocessableEntity,
		Details: map[string]any{"reason": reason},
	}
}

func Exhausted(operation string) *AppError {
	return &AppError{
		Code:    CodeExhausted,
		Message: fmt.Sprintf("retry budget exhausted: %s", operation),
		Status:  http.StatusTooManyRequests,
	}
}

// External errors
func Upstream(service string, err error) *AppError {
	return &AppError{
		Code:    CodeUpstream,
		Message: fmt.Sprintf("upstream service error: %s", service),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

// Internal errors
func Corrupt(what string, err error) *AppError {
	return &AppError{
		Code:    CodeCorrupt,
		Message: fmt.Sprintf("corruption detected: %s", what),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func Unavailable(message string) *AppError {
	if message == "" {
		message = "service unavailable"
	}
	return &AppError{
		Code:    CodeUnavailable,
		Message: message,
		Status:  http.StatusServiceUnavailable,
	}
}

func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Common error instances
var (
	ErrNotFound        = NotFound("resource")
	ErrUnauthenticated = Unauthenticated("")
	ErrForbidden       = Forbidden("")
	ErrInternal        = Internal("")
	ErrConflict        = Conflict("resource conflict")
	ErrUnavailable     = Unavailable("")
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
