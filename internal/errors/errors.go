// Package errors provides structured error types for the ghlake pipeline.
// All errors include a category, code, message, and retryable flag so that
// the orchestrator can tell per-hour and per-record failures apart from the
// stage failures that must halt a day before anything is deleted.
package errors

import (
	"errors"
	"fmt"

	"github.com/ghlake/ghlake/pkg/types"
)

// ErrorCategory classifies errors by pipeline concern.
type ErrorCategory string

const (
	ErrCategoryFetch     ErrorCategory = "FETCH"
	ErrCategoryParse     ErrorCategory = "PARSE"
	ErrCategoryUpstream  ErrorCategory = "UPSTREAM"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryRetention ErrorCategory = "RETENTION"
	ErrCategoryLease     ErrorCategory = "LEASE"
	ErrCategoryFeatures  ErrorCategory = "FEATURES"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Fetch codes
	CodeFetchFailed = "FETCH_FAILED"

	// Parse codes
	CodeMalformedRecord = "MALFORMED_RECORD"
	CodeUnknownKind     = "UNKNOWN_KIND"
	CodeMissingField    = "MISSING_FIELD"

	// Upstream codes
	CodeMissingBronze = "MISSING_BRONZE"
	CodeMissingSilver = "MISSING_SILVER"
	CodeMissingGold   = "MISSING_GOLD"

	// Storage codes
	CodeWriteFailed  = "WRITE_FAILED"
	CodeReadFailed   = "READ_FAILED"
	CodeEncodeFailed = "ENCODE_FAILED"

	// Retention codes
	CodeDeleteFailed = "DELETE_FAILED"

	// Lease codes
	CodeLeaseHeld = "LEASE_HELD"
	CodeLeaseLost = "LEASE_LOST"

	// Features codes
	CodeNoHistory = "NO_HISTORY"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the pipeline.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// Sentinels for errors.Is matching; only category and code are compared.
var (
	ErrFetch         = New(ErrCategoryFetch, CodeFetchFailed, "fetch failed")
	ErrMissingSilver = New(ErrCategoryUpstream, CodeMissingSilver, "silver partition missing")
	ErrMissingGold   = New(ErrCategoryUpstream, CodeMissingGold, "gold partition missing")
	ErrWrite         = New(ErrCategoryStorage, CodeWriteFailed, "write failed")
	ErrDelete        = New(ErrCategoryRetention, CodeDeleteFailed, "delete failed")
	ErrLeaseHeld     = New(ErrCategoryLease, CodeLeaseHeld, "lease held")
	ErrLeaseLost     = New(ErrCategoryLease, CodeLeaseLost, "lease lost")
	ErrNoHistory     = New(ErrCategoryFeatures, CodeNoHistory, "no historical gold data")
)

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsMissingUpstream reports whether a stage could not find its input.
func IsMissingUpstream(err error) bool {
	return GetCategory(err) == ErrCategoryUpstream
}

// isRetryable determines whether a failure may succeed on a later run.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryFetch:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	case category == ErrCategoryRetention:
		return true
	case category == ErrCategoryLease:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

// NewFetchError reports that one archive hour could not be captured.
func NewFetchError(day types.Day, hour int, cause error) *PipelineError {
	return Wrap(ErrCategoryFetch, CodeFetchFailed,
		fmt.Sprintf("fetch %s hour %02d", day, hour), cause).
		WithDetails(map[string]interface{}{"day": day.String(), "hour": hour})
}

// NewParseError reports a discarded archive record.
func NewParseError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryParse, code, message, cause)
}

// NewMissingUpstreamError reports that a stage's input partition is absent.
func NewMissingUpstreamError(code string, key types.PartitionKey) *PipelineError {
	return New(ErrCategoryUpstream, code, fmt.Sprintf("missing input %s", key)).
		WithDetails(map[string]interface{}{"key": key.String()})
}

// NewWriteError reports a failed object-store write.
func NewWriteError(key types.PartitionKey, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, CodeWriteFailed, fmt.Sprintf("write %s", key), cause).
		WithDetails(map[string]interface{}{"key": key.String()})
}

// NewReadError reports a failed object-store read other than absence.
func NewReadError(key types.PartitionKey, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, CodeReadFailed, fmt.Sprintf("read %s", key), cause).
		WithDetails(map[string]interface{}{"key": key.String()})
}

// NewRetentionError reports a deletion that left an orphaned object behind.
func NewRetentionError(objectKey string, cause error) *PipelineError {
	return Wrap(ErrCategoryRetention, CodeDeleteFailed, fmt.Sprintf("delete %s", objectKey), cause).
		WithDetails(map[string]interface{}{"key": objectKey})
}

// NewLeaseHeldError reports that another run owns the day.
func NewLeaseHeldError(day types.Day, owner string) *PipelineError {
	return New(ErrCategoryLease, CodeLeaseHeld, fmt.Sprintf("day %s is leased by %s", day, owner)).
		WithDetails(map[string]interface{}{"day": day.String(), "owner": owner})
}

// NewLeaseLostError reports that a run no longer owns the day it is
// processing.
func NewLeaseLostError(day types.Day, owner, currentOwner string) *PipelineError {
	return New(ErrCategoryLease, CodeLeaseLost, fmt.Sprintf("day %s lease %s lost to %s", day, owner, currentOwner)).
		WithDetails(map[string]interface{}{"day": day.String(), "owner": owner, "current_owner": currentOwner})
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
