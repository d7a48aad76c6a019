// Package errors provides sentinel errors and category predicates for the
// sample lifecycle.
//
// The taxonomy mirrors how each failure is handled:
//   - transient failures are retried on the next tick or resume
//   - authentication failures halt the run and are surfaced to operators
//   - validation failures drop the offending sample, never insert it
//   - not-found on a cold partition means "no data", not an error
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Transient upstream/store conditions; safe to retry.
	ErrTimeout     = errors.New("timeout")
	ErrUnavailable = errors.New("upstream unavailable")

	// Authentication failures. Never conflated with empty data: a stale
	// bearer token manifests purely as this error.
	ErrAuthFailed = errors.New("authentication failed")

	// Validation errors on decoded samples and requests.
	ErrInvalidSample  = errors.New("invalid sample")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidRequest = errors.New("invalid request")

	// Lookup errors.
	ErrNotFound    = errors.New("not found")
	ErrRunNotFound = errors.New("backfill run not found")

	// ErrNoPartition is returned by the cold store when no object exists
	// for a requested (site, day). Callers treat it as absence of data.
	ErrNoPartition = errors.New("no cold partition for date")

	// ErrRangeClaimed is returned when a backfill run would overlap a
	// range another live run has already claimed for the same site.
	ErrRangeClaimed = errors.New("backfill range already claimed")

	// ErrAmbiguousEmpty marks a backfill day whose upstream returned no
	// samples and no cursor without an explicit no-data confirmation.
	// Indistinguishable from a silent auth failure, so never DONE.
	ErrAmbiguousEmpty = errors.New("empty upstream response without no-data confirmation")

	// ErrClosed is returned by stores after Close.
	ErrClosed = errors.New("store is closed")
)

// ============================================================================
// Category predicates
// ============================================================================

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// IsRetriable returns true if the error is transient and the operation may
// be retried on the next scheduled tick or resume.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// IsAuth returns true if err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSample) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrNoPartition)
}

// ============================================================================
// Wrapping utilities
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

// NewInvalidRequest creates a request validation error with context.
func NewInvalidRequest(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrInvalidRequest)
}
