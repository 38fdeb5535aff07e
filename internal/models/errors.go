package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestrator. Callers branch on these with
// errors.Is; wrapping with fmt.Errorf("%w") preserves the classification.
var (
	// ErrNotFound means an order number or SKU reference is unknown.
	ErrNotFound = errors.New("not found")

	// ErrNoPending means the queue has no claimable pending order.
	ErrNoPending = errors.New("no pending orders")

	// ErrInvalidTransition means a state change was requested that the order
	// state machine does not permit. This indicates a concurrency bug, not an
	// environmental condition, and is never auto-retried.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInsufficientStock means a shelf cannot cover a requested quantity.
	// Terminal for the order: physical absence does not resolve itself.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrUnknownSKU means no shelf slot is assigned the requested SKU.
	ErrUnknownSKU = errors.New("unknown sku")

	// ErrMechanicalFailure means the dispensing hardware failed for a slot.
	ErrMechanicalFailure = errors.New("mechanical failure")
)

// ValidationError rejects bad input before it enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SyncError describes a failed call to the external commerce platform.
// Transient failures (network errors, 5xx, 429) are retried with backoff;
// permanent failures (other 4xx, explicit rejection) surface immediately.
type SyncError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *SyncError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform %s: %s sync failure (status %d): %v", e.Op, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("platform %s: %s sync failure: %v", e.Op, kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTransientSync reports whether err is a retryable platform failure.
func IsTransientSync(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Transient
}

// IsPermanentSync reports whether err is a non-retryable platform failure.
func IsPermanentSync(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && !se.Transient
}
