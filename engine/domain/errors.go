package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	ErrNotFound           = errors.New("not found")
	ErrIndexMissing       = errors.New("index missing")
	ErrEmptyCorpus        = errors.New("corpus produced no chunks")
	ErrUnsupportedContent = errors.New("unsupported content type")
	ErrProvidersExhausted = errors.New("all providers failed")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrQueryTooShort      = errors.New("query too short")
	ErrQueryTooLong       = errors.New("query too long")
	ErrQueryInjection     = errors.New("query contains suspicious content")
	ErrOutsideCorpus      = errors.New("path outside the tenant corpus")
)

// ValidationError wraps a sentinel with context.
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
