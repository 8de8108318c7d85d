// Package domain provides the canonical error taxonomy and report types for the relay.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an error surfaced to callers.
type ErrorType string

const (
	// ErrorTypeConfigMissing indicates a provider or configuration entry is absent.
	ErrorTypeConfigMissing ErrorType = "config_missing"

	// ErrorTypeValidation indicates a missing or malformed request field.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeInvalidModel indicates the requested provider name does not resolve.
	ErrorTypeInvalidModel ErrorType = "invalid_model"

	// ErrorTypeNotFound indicates an object or record is absent.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypePermission indicates the stored object cannot be accessed.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeRateLimited indicates the local rate limiter rejected the call.
	ErrorTypeRateLimited ErrorType = "rate_limited"

	// ErrorTypeUpstreamConnection indicates the upstream could not be reached.
	ErrorTypeUpstreamConnection ErrorType = "upstream_connection_failed"

	// ErrorTypeUpstreamRateLimited indicates the upstream provider throttled the call.
	ErrorTypeUpstreamRateLimited ErrorType = "upstream_rate_limited"

	// ErrorTypeUpstreamStatus indicates the upstream answered with a non-success status.
	ErrorTypeUpstreamStatus ErrorType = "upstream_status"

	// ErrorTypeMalformedOutput indicates the model reply could not be parsed.
	ErrorTypeMalformedOutput ErrorType = "malformed_model_output"

	// ErrorTypeStorage indicates a persistence failure.
	ErrorTypeStorage ErrorType = "storage"

	// ErrorTypeUnknown is used for failures that fit no other category.
	ErrorTypeUnknown ErrorType = "unknown"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey     ErrorCode = "invalid_api_key"
	ErrorCodeModelNotFound     ErrorCode = "model_not_found"
	ErrorCodeNotReadable       ErrorCode = "not_readable"
	ErrorCodeTemplateMissing   ErrorCode = "template_missing"
)

// APIError is the single error type translated into HTTP responses at the
// boundary. Packages below the HTTP layer wrap collaborator failures into one
// of these before returning.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`

	// StatusCode overrides the type's default HTTP status. Upstream status
	// errors carry the upstream status here so it can be mirrored.
	StatusCode int `json:"-"`

	// Raw holds the unparsed model output for malformed-output errors.
	Raw string `json:"-"`

	Cause error `json:"-"`
}

func (e *APIError) Error() string {
	msg := string(e.Type) + ": " + e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation, ErrorTypeInvalidModel:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeRateLimited, ErrorTypeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrorTypeUpstreamConnection:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstreamStatus:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may reasonably retry the same request.
func (e *APIError) Retryable() bool {
	return e.Type == ErrorTypeUpstreamConnection || e.Type == ErrorTypeUpstreamRateLimited
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// Convenience constructors for common errors

func ErrConfigMissing(message string) *APIError {
	return NewAPIError(ErrorTypeConfigMissing, message)
}

func ErrValidation(message string) *APIError {
	return NewAPIError(ErrorTypeValidation, message)
}

// ErrInvalidModel reports a provider name that is not configured.
func ErrInvalidModel(name string) *APIError {
	return NewAPIError(ErrorTypeInvalidModel, "unsupported model: "+name).
		WithCode(ErrorCodeModelNotFound)
}

func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrNotReadable reports a stored object that never became readable.
func ErrNotReadable(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message).WithCode(ErrorCodeNotReadable)
}

func ErrPermission(message string) *APIError {
	return NewAPIError(ErrorTypePermission, message)
}

func ErrRateLimited(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimited, message).WithCode(ErrorCodeRateLimitExceeded)
}

func ErrUpstreamConnection(cause error) *APIError {
	return NewAPIError(ErrorTypeUpstreamConnection, "failed to connect to upstream provider").WithCause(cause)
}

func ErrUpstreamRateLimited(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamRateLimited, message).WithCode(ErrorCodeRateLimitExceeded)
}

// ErrUpstreamStatus mirrors a non-success upstream status to the caller.
func ErrUpstreamStatus(status int, message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamStatus, message).WithStatusCode(status)
}

// ErrMalformedOutput keeps the raw model text for diagnostics.
func ErrMalformedOutput(raw string, cause error) *APIError {
	e := NewAPIError(ErrorTypeMalformedOutput, "model did not return valid JSON").WithCause(cause)
	e.Raw = raw
	return e
}

func ErrStorage(message string, cause error) *APIError {
	return NewAPIError(ErrorTypeStorage, message).WithCause(cause)
}

func ErrUnknown(cause error) *APIError {
	return NewAPIError(ErrorTypeUnknown, "internal error").WithCause(cause)
}

// AsAPIError extracts an *APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// TypeOf returns the error type of err, or ErrorTypeUnknown for unclassified errors.
func TypeOf(err error) ErrorType {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Type
	}
	return ErrorTypeUnknown
}
