package errors

import (
	"errors"
	"fmt"
)

// RagError is the structured error type for memory-rag.
// It provides context for error handling, logging, and HTTP status mapping.
type RagError struct {
	// Code is the unique error code (e.g., "ERR_201_DIMENSION_MISMATCH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Shape, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *RagError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *RagError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with RagError.
func (e *RagError) Is(target error) bool {
	if t, ok := target.(*RagError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *RagError) WithDetail(key, value string) *RagError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new RagError with the given code and message.
// Category, severity, and the retryable flag are derived from the code.
func New(code string, message string, cause error) *RagError {
	return &RagError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a RagError from an existing error.
// The error's message becomes the RagError message.
func Wrap(code string, err error) *RagError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ShapeError creates a vector-shape error (wrong dimension, non-finite
// component, malformed event data). Never retryable.
func ShapeError(message string, cause error) *RagError {
	return New(ErrCodeDimensionMismatch, message, cause)
}

// EmbeddingError creates an embedding-model failure. Retryable.
func EmbeddingError(message string, cause error) *RagError {
	return New(ErrCodeEmbeddingFailed, message, cause)
}

// UpstreamError creates an upstream-store failure. Retryable.
func UpstreamError(message string, cause error) *RagError {
	return New(ErrCodeUpstreamFailed, message, cause)
}

// NotFound creates a missing-key error. A 404 from the upstream store is
// definitive and never retried.
func NotFound(message string) *RagError {
	return New(ErrCodeNotFound, message, nil)
}

// ClientError creates a caller request error.
func ClientError(message string) *RagError {
	return New(ErrCodeInvalidRequest, message, nil)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *RagError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error chain contains a RagError with the
// Retryable flag set.
func IsRetryable(err error) bool {
	var re *RagError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsNotFound reports whether the error chain contains a NotFound error.
func IsNotFound(err error) bool {
	var re *RagError
	if errors.As(err, &re) {
		return re.Code == ErrCodeNotFound
	}
	return false
}

// IsShape reports whether the error chain contains a shape error.
func IsShape(err error) bool {
	var re *RagError
	if errors.As(err, &re) {
		return re.Category == CategoryShape
	}
	return false
}

// GetCode extracts the error code from a RagError in the chain.
// Returns empty string if none.
func GetCode(err error) string {
	var re *RagError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
