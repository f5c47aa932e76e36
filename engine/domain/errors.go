package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the engine. Only ErrConnection and ErrSchemaMismatch
// stop a run; everything else degrades the current unit of work.
var (
	// ErrConnection means the remote store is unreachable. Fatal at
	// startup; the process must not serve without a usable connection.
	ErrConnection = errors.New("vector store connection failed")

	// ErrSchemaMismatch means the existing collection does not match the
	// configured schema (vector dimension, format version). Fatal;
	// requires explicit migration, never silent repair.
	ErrSchemaMismatch = errors.New("collection schema mismatch")

	// ErrEncode means an embedding computation failed. Recovered locally
	// with a zero-vector substitution.
	ErrEncode = errors.New("embedding failed")

	// ErrInsert means a chunk insert failed. Recovered at chunk
	// granularity; the run continues.
	ErrInsert = errors.New("insert failed")

	// ErrCacheIO means an embedding-cache read or write failed. Silently
	// degraded to cache-miss behaviour.
	ErrCacheIO = errors.New("embedding cache io failed")

	// ErrInconsistent means an update deleted the old record but failed
	// to re-insert the new one. The record is gone; callers must decide
	// whether to retry or restore.
	ErrInconsistent = errors.New("record inconsistent after failed update")

	// ErrNotFound means the requested paper does not exist in the store.
	ErrNotFound = errors.New("paper not found")
)

// Validation sentinels.
var (
	ErrMissingTitle      = errors.New("missing title")
	ErrMissingConference = errors.New("missing conference")
	ErrYearOutOfRange    = errors.New("year out of range")
	ErrConfidenceRange   = errors.New("confidence out of range")
	ErrUnsafeFilterValue = errors.New("filter value contains unsafe characters")
	ErrEmptyQuery        = errors.New("empty query")
)

// ValidationError wraps a sentinel with field context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
