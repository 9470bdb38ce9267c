// Package errors provides structured error handling for memory-rag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Data shape / validation errors
//   - 3XX: Network and upstream errors
//   - 4XX: Request errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryShape indicates vector shape or data validation errors.
	CategoryShape Category = "SHAPE"
	// CategoryNetwork indicates network and upstream service errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryClient indicates caller request errors.
	CategoryClient Category = "CLIENT"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid = "ERR_101_CONFIG_INVALID"

	// Shape errors (200-299): bad vector or event data. Not retryable;
	// replaying the same payload cannot fix it.
	ErrCodeDimensionMismatch = "ERR_201_DIMENSION_MISMATCH"
	ErrCodeNonFiniteVector   = "ERR_202_NON_FINITE_VECTOR"
	ErrCodeMalformedEvent    = "ERR_203_MALFORMED_EVENT"

	// Network errors (300-399)
	ErrCodeEmbeddingFailed = "ERR_301_EMBEDDING_FAILED"
	ErrCodeUpstreamFailed  = "ERR_302_UPSTREAM_FAILED"
	ErrCodeNotFound        = "ERR_303_NOT_FOUND"
	ErrCodeCircuitOpen     = "ERR_304_CIRCUIT_OPEN"

	// Client errors (400-499)
	ErrCodeInvalidQuery   = "ERR_401_INVALID_QUERY"
	ErrCodeInvalidRequest = "ERR_402_INVALID_REQUEST"

	// Internal errors (500-599)
	ErrCodeInternal  = "ERR_501_INTERNAL"
	ErrCodeResource  = "ERR_502_RESOURCE_EXHAUSTED"
	ErrCodeCancelled = "ERR_503_CANCELLED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract the leading digit of the numeric portion
	// (e.g. '2' from "ERR_201_DIMENSION_MISMATCH").
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryShape
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryClient
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	if code == ErrCodeResource {
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Transient network failures retry; shape and client errors never do.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingFailed, ErrCodeUpstreamFailed:
		return true
	default:
		return false
	}
}
