// Package fault defines the error taxonomy shared by all butler daemons.
//
// Domain packages return these sentinels (wrapped with context via %w); the
// RPC layer translates them into wire error envelopes with a stable class
// string, so peers never see raw Go errors.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced row is missing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCASConflict is returned when a compare-and-set write loses to a
	// concurrent writer (version mismatch or invalid state transition).
	ErrCASConflict = errors.New("compare-and-set conflict")

	// ErrNotAccepting is returned by the spawner once shutdown has begun.
	ErrNotAccepting = errors.New("not accepting new triggers")

	// ErrButlerUnreachable is returned when an RPC peer cannot be reached.
	ErrButlerUnreachable = errors.New("butler unreachable")

	// ErrShuttingDown is returned to inbound callers while the daemon drains.
	ErrShuttingDown = errors.New("shutting down")
)

// Wire error classes. These are the stable strings peers and operators see;
// HTTP status mapping lives in the RPC layer.
const (
	ClassValidation        = "validation_error"
	ClassNotFound          = "not_found"
	ClassConflict          = "conflict"
	ClassInternal          = "internal_error"
	ClassButlerUnreachable = "butler_unreachable"
	ClassShuttingDown      = "shutting_down"
	ClassOverloadRejected  = "overload_rejected"
	ClassTargetUnavailable = "target_unavailable"
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match validation errors too.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Class maps an error to its wire error class. Unknown errors are internal.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidationError(err), errors.Is(err, ErrInvalidInput):
		return ClassValidation
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrCASConflict):
		return ClassConflict
	case errors.Is(err, ErrButlerUnreachable):
		return ClassButlerUnreachable
	case errors.Is(err, ErrShuttingDown), errors.Is(err, ErrNotAccepting):
		return ClassShuttingDown
	default:
		return ClassInternal
	}
}
