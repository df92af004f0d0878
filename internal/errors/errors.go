// Package errors consolidates error definitions for the readingstore engine.
//
// It provides sentinel errors for all error conditions, category checking
// functions, and error wrapping utilities.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Contention errors. StillBusy and StillLocked are terminal: the retry
	// executor has already exhausted its attempts by the time they surface.
	ErrStillBusy   = errors.New("database still busy after maximum retries")
	ErrStillLocked = errors.New("database still locked after maximum retries")

	// Input errors
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInvalidFilter    = errors.New("invalid filter document")
	ErrMissingField     = errors.New("missing required field")

	// Catalogue errors
	ErrStoreCreation   = errors.New("store creation failed")
	ErrSchemaCreation  = errors.New("schema creation failed")
	ErrCatalogueInsert = errors.New("catalogue insert failed")

	// State errors
	ErrNotRunning     = errors.New("engine not running")
	ErrAlreadyRunning = errors.New("engine already running")
	ErrPoolClosed     = errors.New("connection pool closed")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsContention returns true if err reports exhausted busy/locked retries.
func IsContention(err error) bool {
	return errors.Is(err, ErrStillBusy) || errors.Is(err, ErrStillLocked)
}

// IsValidation returns true if err is an input validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrMissingField)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidFilter)
}
