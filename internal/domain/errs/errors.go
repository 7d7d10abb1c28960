// Package errs defines the error taxonomy shared by the command and projection paths.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a resource is not found
	ErrNotFound = errors.New("resource not found")

	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrDomain marks a business rule violation. Never retried.
	ErrDomain = errors.New("domain rule violated")

	// ErrConcurrencyConflict is returned when the persisted version differs from the expected one
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStorage marks a transient I/O failure of a backing store
	ErrStorage = errors.New("storage failure")

	// ErrProjection marks a failure isolated to a single projection consumer
	ErrProjection = errors.New("projection failure")

	// ErrInvalidTransition is returned when a state transition is not declared
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError describes a malformed field of a command or an append request.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// DomainError is a business rule violation detected against folded state.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// NewDomainError creates a domain error. cause may be nil.
func NewDomainError(code, message string, cause error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: cause}
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("domain error [%s]: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDomain}
	}
	return []error{ErrDomain, e.Err}
}

// ConflictError reports an optimistic concurrency failure on one aggregate.
// Actual is -1 when the store could not tell the persisted version.
type ConflictError struct {
	AggregateID string
	Expected    int
	Actual      int
}

func (e *ConflictError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("concurrency conflict on %s: expected version %d", e.AggregateID, e.Expected)
	}
	return fmt.Sprintf("concurrency conflict on %s: expected version %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// StorageError wraps a backend failure with the operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError wraps err as a storage failure of op.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// ProjectionError reports a consumer failure at a given global sequence.
type ProjectionError struct {
	Projection string
	Sequence   uint64
	Err        error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection %s failed at sequence %d: %v", e.Projection, e.Sequence, e.Err)
}

func (e *ProjectionError) Unwrap() []error {
	return []error{ErrProjection, e.Err}
}

// IsRetryable reports whether a command may be re-evaluated after err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorage)
}
