// Package errors provides structured error types and handling utilities
// for the ego-cse service.
package errors

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"
)

// ErrorCode represents a specific error condition
type ErrorCode string

// Error codes for different types of failures
const (
	// Client errors (4xx)
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeUserPrivate    ErrorCode = "USER_PRIVATE"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"

	// Server errors (5xx)
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrCodeRenderFailed       ErrorCode = "RENDER_FAILED"
	ErrCodeFriendFeedAPIError ErrorCode = "FRIENDFEED_API_ERROR"
)

// ErrorCategory represents the type of error for handling strategy
type ErrorCategory string

const (
	// CategoryClientError represents user/client mistakes (4xx HTTP errors)
	CategoryClientError ErrorCategory = "CLIENT_ERROR"
	// CategoryServerError represents our system errors (5xx HTTP errors)
	CategoryServerError ErrorCategory = "SERVER_ERROR"
	// CategoryExternalError represents errors reported by FriendFeed
	CategoryExternalError ErrorCategory = "EXTERNAL_ERROR"
	// CategoryRateLimitError represents rate limiting errors
	CategoryRateLimitError ErrorCategory = "RATE_LIMIT_ERROR"
	// CategoryTimeoutError represents timeout related errors
	CategoryTimeoutError ErrorCategory = "TIMEOUT_ERROR"
)

// Severity levels for error classification
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Code        ErrorCode
	Category    ErrorCategory
	Severity    Severity
	Message     string
	Details     string
	Context     map[string]interface{}
	Cause       error
	Timestamp   time.Time
	RequestID   string
	UserMessage string
	RetryAfter  *time.Duration
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with wrapped errors
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// clone returns a copy of e that shares no mutable state with it
func (e *ServiceError) clone() *ServiceError {
	cp := *e
	cp.Context = maps.Clone(e.Context)
	if cp.Context == nil {
		cp.Context = make(map[string]interface{})
	}
	if e.RetryAfter != nil {
		retryAfter := *e.RetryAfter
		cp.RetryAfter = &retryAfter
	}
	return &cp
}

// IsRetryable returns true if the error can be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Category == CategoryTimeoutError ||
		e.Category == CategoryRateLimitError ||
		(e.Category == CategoryExternalError && e.Severity != SeverityCritical)
}

// IsClientError returns true if the error is caused by client
func (e *ServiceError) IsClientError() bool {
	return e.Category == CategoryClientError
}

// HTTPStatusCode returns the appropriate HTTP status code for the error
func (e *ServiceError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeUserPrivate:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeFriendFeedAPIError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show to end users
func (e *ServiceError) PublicMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return getUserFriendlyMessage(e.Code)
}

// ErrorBuilder helps construct ServiceError instances
type ErrorBuilder struct {
	error *ServiceError
}

// NewError creates a new ErrorBuilder
func NewError(code ErrorCode) *ErrorBuilder {
	return &ErrorBuilder{
		error: &ServiceError{
			Code:      code,
			Timestamp: time.Now(),
			Context:   make(map[string]interface{}),
		},
	}
}

// WithCategory sets the error category
func (b *ErrorBuilder) WithCategory(category ErrorCategory) *ErrorBuilder {
	b.error.Category = category
	return b
}

// WithSeverity sets the error severity
func (b *ErrorBuilder) WithSeverity(severity Severity) *ErrorBuilder {
	b.error.Severity = severity
	return b
}

// WithMessage sets the error message
func (b *ErrorBuilder) WithMessage(message string) *ErrorBuilder {
	b.error.Message = message
	return b
}

// WithMessagef sets a formatted error message
func (b *ErrorBuilder) WithMessagef(format string, args ...interface{}) *ErrorBuilder {
	b.error.Message = fmt.Sprintf(format, args...)
	return b
}

// WithDetails sets additional error details
func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.error.Details = details
	return b
}

// WithCause sets the underlying cause
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.error.Cause = cause
	return b
}

// WithContext adds context information
func (b *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	if b.error.Context == nil {
		b.error.Context = make(map[string]interface{})
	}
	b.error.Context[key] = value
	return b
}

// WithUserMessage sets a user-friendly message
func (b *ErrorBuilder) WithUserMessage(message string) *ErrorBuilder {
	b.error.UserMessage = message
	return b
}

// WithRetryAfter sets retry-after duration for rate limiting
func (b *ErrorBuilder) WithRetryAfter(duration time.Duration) *ErrorBuilder {
	b.error.RetryAfter = &duration
	return b
}

// Build returns the constructed ServiceError
func (b *ErrorBuilder) Build() *ServiceError {
	if b.error.Category == "" {
		b.error.Category = getDefaultCategory(b.error.Code)
	}
	if b.error.Severity == "" {
		b.error.Severity = getDefaultSeverity(b.error.Code)
	}
	return b.error
}

// InvalidRequest builds the error for a bad or missing request parameter
func InvalidRequest(format string, args ...interface{}) *ServiceError {
	return NewError(ErrCodeInvalidRequest).WithMessagef(format, args...).Build()
}

// NotFound builds the error for a missing resource
func NotFound(format string, args ...interface{}) *ServiceError {
	return NewError(ErrCodeNotFound).WithMessagef(format, args...).Build()
}

// AsServiceError returns the ServiceError in err's chain, if any
func AsServiceError(err error) (*ServiceError, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr, true
	}
	return nil, false
}

// HasCode reports whether err carries one of the given codes
func HasCode(err error, codes ...ErrorCode) bool {
	serviceErr, ok := AsServiceError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if serviceErr.Code == code {
			return true
		}
	}
	return false
}

// getDefaultCategory returns default category for error code
func getDefaultCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeNotFound, ErrCodeUserPrivate:
		return CategoryClientError
	case ErrCodeRateLimited:
		return CategoryRateLimitError
	case ErrCodeTimeout:
		return CategoryTimeoutError
	case ErrCodeFriendFeedAPIError:
		return CategoryExternalError
	default:
		return CategoryServerError
	}
}

// getDefaultSeverity returns default severity for error code
func getDefaultSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeNotFound, ErrCodeUserPrivate:
		return SeverityLow
	case ErrCodeRateLimited, ErrCodeTimeout, ErrCodeFriendFeedAPIError:
		return SeverityMedium
	case ErrCodeRenderFailed, ErrCodeInternalError:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// getUserFriendlyMessage returns user-friendly error messages
func getUserFriendlyMessage(code ErrorCode) string {
	switch code {
	case ErrCodeInvalidRequest:
		return "The request is missing a FriendFeed nickname or it is malformed."
	case ErrCodeNotFound:
		return "The requested page was not found."
	case ErrCodeUserPrivate:
		return "This FriendFeed profile is private."
	case ErrCodeRateLimited:
		return "Too many requests. Please wait and try again later."
	case ErrCodeTimeout:
		return "Request timed out. Please try again."
	case ErrCodeFriendFeedAPIError:
		return "FriendFeed is experiencing issues. Please try again later."
	default:
		return "An unexpected error occurred. Please try again later."
	}
}
