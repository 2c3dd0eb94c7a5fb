// Package errs provides the categorised error type used across the extraction
// pipeline. The category decides whether a job is retried, failed, or skipped.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies an error by how the pipeline reacts to it.
type Category string

const (
	// CategoryTransient covers replay engine and store availability. Retried with backoff.
	CategoryTransient Category = "TRANSIENT"
	// CategoryDataIntegrity covers decode mismatches. Never retried.
	CategoryDataIntegrity Category = "DATA_INTEGRITY"
	// CategoryConfiguration covers unknown pools and missing metadata. Fatal for the job only.
	CategoryConfiguration Category = "CONFIGURATION"
	// CategoryRangeScan covers missing block or receipt data. The block is skipped and reported.
	CategoryRangeScan Category = "RANGE_SCAN"
	// CategoryUnknown is reported for errors that carry no category.
	CategoryUnknown Category = "UNKNOWN"
)

// Error codes.
const (
	// Transient codes
	CodeReplayUnavailable = "REPLAY_UNAVAILABLE"
	CodeReplayTimeout     = "REPLAY_TIMEOUT"
	CodeStorageRead       = "STORAGE_READ_FAILED"
	CodeStoreWrite        = "STORE_WRITE_FAILED"

	// Data integrity codes
	CodeDecodeMismatch   = "DECODE_MISMATCH"
	CodeUnexpectedLayout = "UNEXPECTED_LAYOUT"
	CodeTxOutOfRange     = "TX_OUT_OF_RANGE"

	// Configuration codes
	CodeUnknownPool     = "UNKNOWN_POOL"
	CodeMissingMetadata = "MISSING_METADATA"

	// Range scan codes
	CodeBlockUnavailable = "BLOCK_UNAVAILABLE"
)

// Error is the structured error type used throughout the pipeline.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category Category, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: category == CategoryTransient,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *Error {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// CategoryOf is GetCategory with CategoryUnknown for uncategorised errors.
func CategoryOf(err error) Category {
	if c := GetCategory(err); c != "" {
		return c
	}
	return CategoryUnknown
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Transient wraps cause as a retryable error.
func Transient(code, message string, cause error) *Error {
	return Wrap(CategoryTransient, code, message, cause)
}

// DataIntegrity wraps cause as a non-retryable decode error.
func DataIntegrity(code, message string, cause error) *Error {
	return Wrap(CategoryDataIntegrity, code, message, cause)
}

// Configuration creates a job-fatal configuration error.
func Configuration(code, message string) *Error {
	return New(CategoryConfiguration, code, message)
}
