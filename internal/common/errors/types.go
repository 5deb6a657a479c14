// Package errors defines the error taxonomy shared by the cache, the
// enrichment steps and the batch orchestrator.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeRateLimit is an upstream quota exhaustion. It aborts the batch.
	ErrTypeRateLimit ErrorType = "rate_limit"
	// ErrTypeUpstream is a transient upstream failure (network, 5xx, open breaker)
	ErrTypeUpstream ErrorType = "upstream"
	// ErrTypeData is malformed or unexpected upstream or descriptor data
	ErrTypeData ErrorType = "data"
	// ErrTypeTypeMismatch is a value that cannot be stored in the cache
	ErrTypeTypeMismatch ErrorType = "type_mismatch"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// RateLimitError reports that source refused further calls for this run
func RateLimitError(source, msg string) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimit,
		Message: fmt.Sprintf("rate limit exceeded for %s: %s", source, msg),
	}
}

// UpstreamError creates a transient upstream error
func UpstreamError(source, msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeUpstream,
		Message: fmt.Sprintf("%s: %s", source, msg),
		Cause:   cause,
	}
}

// DataError creates an error for data that has an unexpected shape
func DataError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeData,
		Message: msg,
	}
}

// TypeMismatchError reports a value outside the storable value space
func TypeMismatchError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeTypeMismatch,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// MissingConfigError reports a required setting that is not present
func MissingConfigError(name string) *AppError {
	return ConfigError(fmt.Sprintf("%s is required", name)).WithContext("setting", name)
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType reports whether any AppError in err's tree has the given type.
// Both Unwrap() error and Unwrap() []error are followed.
func IsType(err error, errType ErrorType) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *AppError:
		if e.Type == errType {
			return true
		}
		return IsType(e.Cause, errType)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if IsType(inner, errType) {
				return true
			}
		}
		return false
	default:
		return IsType(stderrors.Unwrap(err), errType)
	}
}

// GetType returns the type of the outermost AppError in err's chain,
// ErrTypeInternal for foreign errors and "" for nil.
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeInternal
}

// IsFatal reports whether err must abort the whole batch
func IsFatal(err error) bool {
	return IsType(err, ErrTypeRateLimit)
}
