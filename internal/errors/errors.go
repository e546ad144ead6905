// Package errors provides structured error types for tablesync.
// All errors include a category, code, message, and retryable flag so that
// callers can tell validation problems, remote job failures, timeouts and
// partially committed transfers apart.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the layer that produced them.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategorySchema      ErrorCategory = "SCHEMA"
	ErrCategoryMatch       ErrorCategory = "MATCH"
	ErrCategoryTransaction ErrorCategory = "TRANSACTION"
	ErrCategoryTransport   ErrorCategory = "TRANSPORT"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidPrimaryKey    = "INVALID_PRIMARY_KEY"
	CodeDisallowedKeyType    = "DISALLOWED_KEY_TYPE"
	CodeDuplicateColumn      = "DUPLICATE_COLUMN"
	CodeUnknownColumn        = "UNKNOWN_COLUMN"
	CodeReservedColumnName   = "RESERVED_COLUMN_NAME"
	CodeNoBaseline           = "NO_BASELINE"
	CodeInvalidValues        = "INVALID_VALUES"
	CodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	CodeInvalidColumn        = "INVALID_COLUMN"

	// Schema codes
	CodeColumnPersistFailed = "COLUMN_PERSIST_FAILED"

	// Match codes
	CodeAmbiguousMatch = "AMBIGUOUS_MATCH"

	// Transaction codes
	CodeJobFailed      = "JOB_FAILED"
	CodeJobTimeout     = "JOB_TIMEOUT"
	CodePartialFailure = "PARTIAL_FAILURE"

	// Transport codes
	CodeRequestFailed = "REQUEST_FAILED"
	CodeRateLimited   = "RATE_LIMITED"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeBadRequest    = "BAD_REQUEST"

	// Storage codes
	CodeUploadFailed = "UPLOAD_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TableError is the structured error type used throughout tablesync.
type TableError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TableError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TableError) Is(target error) bool {
	var t *TableError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TableError.
func New(category ErrorCategory, code, message string) *TableError {
	return &TableError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new TableError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TableError {
	return &TableError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *TableError) WithDetails(details map[string]interface{}) *TableError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var te *TableError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a TableError.
func GetCategory(err error) ErrorCategory {
	var te *TableError
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TableError.
func GetCode(err error) string {
	var te *TableError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// isRetryable marks the transient transport and storage failures. Job
// failures, timeouts and partial failures are never retryable: resubmitting a
// partially committed chunk sequence can insert rows twice.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport && code == CodeRequestFailed:
		return true
	case category == ErrCategoryTransport && code == CodeRateLimited:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *TableError {
	return New(ErrCategoryValidation, code, message)
}

func NewSchemaError(code, message string, cause error) *TableError {
	return Wrap(ErrCategorySchema, code, message, cause)
}

func NewTransportError(code, message string, cause error) *TableError {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewStorageError(code, message string, cause error) *TableError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *TableError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// NewAmbiguousMatchError reports several incoming rows sharing the primary key
// values of one stored row.
func NewAmbiguousMatchError(rowID int64, key string, incoming []int) *TableError {
	return New(ErrCategoryMatch, CodeAmbiguousMatch,
		fmt.Sprintf("%d incoming rows match stored row %d on primary key %s; primary key values must be unique", len(incoming), rowID, key)).
		WithDetails(map[string]interface{}{
			"row_id":       rowID,
			"key":          key,
			"incoming_row": incoming,
		})
}

// NewJobFailedError reports a server-side job failure with the server message.
func NewJobFailedError(jobToken, message, details string) *TableError {
	err := New(ErrCategoryTransaction, CodeJobFailed, fmt.Sprintf("job %s failed: %s", jobToken, message))
	if details != "" {
		err = err.WithDetails(map[string]interface{}{"error_details": details})
	}
	return err
}

// NewJobTimeoutError reports a job that did not complete within the wait window.
func NewJobTimeoutError(jobToken string, waited fmt.Stringer) *TableError {
	return New(ErrCategoryTransaction, CodeJobTimeout,
		fmt.Sprintf("job %s did not complete within %s", jobToken, waited)).
		WithDetails(map[string]interface{}{"job_token": jobToken})
}

// PartialFailure describes how far a chunked transfer got before failing.
type PartialFailure struct {
	// CommittedChunks is the number of chunk transactions that completed.
	CommittedChunks int
	// FailedChunk is the 1-based index of the chunk whose transaction failed.
	FailedChunk int
	// CommittedRows is the number of rows the committed chunks carried.
	CommittedRows int64
}

// NewPartialFailureError wraps the failure of a later chunk after earlier
// chunks were committed server-side.
func NewPartialFailureError(pf PartialFailure, cause error) *TableError {
	return Wrap(ErrCategoryTransaction, CodePartialFailure,
		fmt.Sprintf("chunk %d failed after %d chunks (%d rows) were committed", pf.FailedChunk, pf.CommittedChunks, pf.CommittedRows),
		cause).WithDetails(map[string]interface{}{
		"committed_chunks": pf.CommittedChunks,
		"failed_chunk":     pf.FailedChunk,
		"committed_rows":   pf.CommittedRows,
	})
}

// GetPartialFailure extracts the partial failure state from an error chain.
func GetPartialFailure(err error) (PartialFailure, bool) {
	var te *TableError
	if !errors.As(err, &te) || te.Code != CodePartialFailure {
		return PartialFailure{}, false
	}
	return PartialFailure{
		CommittedChunks: int(detailInt(te.Details, "committed_chunks")),
		FailedChunk:     int(detailInt(te.Details, "failed_chunk")),
		CommittedRows:   detailInt(te.Details, "committed_rows"),
	}, true
}

// detailInt reads a numeric detail, which is a float64 once details went
// through JSON.
func detailInt(details map[string]interface{}, key string) int64 {
	switch v := details[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Sentinel values usable with errors.Is.
var (
	ErrAmbiguousMatch = New(ErrCategoryMatch, CodeAmbiguousMatch, "ambiguous match")
	ErrJobFailed      = New(ErrCategoryTransaction, CodeJobFailed, "job failed")
	ErrJobTimeout     = New(ErrCategoryTransaction, CodeJobTimeout, "job timeout")
	ErrPartialFailure = New(ErrCategoryTransaction, CodePartialFailure, "partial failure")
	ErrNotFound       = New(ErrCategoryTransport, CodeNotFound, "not found")
	ErrNoBaseline     = New(ErrCategoryValidation, CodeNoBaseline, "no baseline")
)
