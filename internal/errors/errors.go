// Package errors provides a single structured error type used across the
// annotation pipeline instead of ad-hoc sentinel errors or raw fmt.Errorf
// chains. Every external failure (vision, validator, enhancer, summary,
// repository) is eventually represented as an *AppError so callers can
// branch on Type rather than string-matching messages.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for status-code mapping, safe-message
// selection, and metrics labeling.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"

	// Domain-specific types for the annotation pipeline.
	ErrorTypeVisionUnavailable     ErrorType = "vision_unavailable"
	ErrorTypeVisionTimeout         ErrorType = "vision_timeout"
	ErrorTypeVisionProtocol        ErrorType = "vision_protocol"
	ErrorTypeVisionInternal        ErrorType = "vision_internal"
	ErrorTypeValidatorFormat       ErrorType = "validator_format"
	ErrorTypeValidatorFallback     ErrorType = "validator_fallback"
	ErrorTypeValidatorUnavailable  ErrorType = "validator_unavailable"
	ErrorTypeSchemaViolation       ErrorType = "schema_violation"
	ErrorTypeRepositoryConflict    ErrorType = "repository_conflict"
	ErrorTypeRepositoryUnavailable ErrorType = "repository_unavailable"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeInternal:   http.StatusInternalServerError,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,

	ErrorTypeVisionUnavailable:     http.StatusServiceUnavailable,
	ErrorTypeVisionTimeout:         http.StatusGatewayTimeout,
	ErrorTypeVisionProtocol:        http.StatusBadGateway,
	ErrorTypeVisionInternal:        http.StatusInternalServerError,
	ErrorTypeValidatorFormat:       http.StatusUnprocessableEntity,
	ErrorTypeValidatorFallback:     http.StatusOK,
	ErrorTypeValidatorUnavailable:  http.StatusServiceUnavailable,
	ErrorTypeSchemaViolation:       http.StatusInternalServerError,
	ErrorTypeRepositoryConflict:    http.StatusConflict,
	ErrorTypeRepositoryUnavailable: http.StatusServiceUnavailable,
}

// safeMessages holds the externally visible message for error types whose
// raw Message may contain internal detail (query text, stack-adjacent
// strings, endpoint URLs). ErrorTypeValidation is intentionally absent:
// validation messages are user-facing by construction and pass through.
var safeMessages = map[ErrorType]string{
	ErrorTypeNotFound:  ErrorMessages.ResourceNotFound,
	ErrorTypeAuth:      ErrorMessages.AuthenticationFailed,
	ErrorTypeTimeout:   ErrorMessages.OperationTimeout,
	ErrorTypeRateLimit: ErrorMessages.RateLimitExceeded,
	ErrorTypeConflict:  ErrorMessages.ConcurrentModification,
	ErrorTypeDatabase:  "An internal error occurred",
}

// ErrorMessages centralizes the generic, non-leaky strings shown to callers.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// AppError is the single structured error type threaded through the
// pipeline, repository, and chat subsystems.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCode(t),
	}
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func statusCode(t ErrorType) int {
	if code, ok := statusCodes[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Predefined constructors mirroring common failure shapes.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewVisionUnavailableError(cause error, detail string) *AppError {
	return Wrap(cause, ErrorTypeVisionUnavailable, "vision model unavailable").WithDetails(detail)
}

func NewVisionTimeoutError(detail string) *AppError {
	return New(ErrorTypeVisionTimeout, "vision analysis timed out").WithDetails(detail)
}

func NewRepositoryConflictError(resource string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeRepositoryConflict, "conflicting write on %s", resource)
}

func NewRepositoryUnavailableError(cause error) *AppError {
	return Wrap(cause, ErrorTypeRepositoryUnavailable, "repository unavailable")
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

// GetType returns the AppError's type, or ErrorTypeInternal for any other
// error (including nil-adjacent plain errors).
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the status code an HTTP-facing caller should use.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns a message safe to show to an end user, hiding
// internal detail for error types that may carry it.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	if appErr.Type == ErrorTypeValidation {
		return appErr.Message
	}
	if safe, ok := safeMessages[appErr.Type]; ok {
		return safe
	}
	return appErr.Message
}

// LogFields renders err into a structured field map suitable for
// zap.Any/logrus.WithFields.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}

	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}

	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors (skipping nils) into a single error whose
// message concatenates each with " -> ". Returns nil if every error is nil,
// and returns the lone error unwrapped if exactly one is non-nil.
func Chain(errs ...error) error {
	var present []error
	for _, e := range errs {
		if e != nil {
			present = append(present, e)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	}

	msg := present[0].Error()
	for _, e := range present[1:] {
		msg += " -> " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
