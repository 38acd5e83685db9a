package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Common domain errors
	ErrNotFound         = errors.New("entity not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnknownJobKind   = errors.New("unknown job kind")
	ErrRateLimited      = errors.New("too many requests")
	ErrLockHeld         = errors.New("lock held by another runner")

	// Admission rejections. These are transient: the job is retried on a later cycle.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrTimeout          = errors.New("provider call timed out")
	ErrCircuitOpen      = errors.New("service unavailable: circuit open")

	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)

// ValidationError reports bad input to the intake endpoint. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidArgument }

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// QuotaExceededError is returned by intake when the daily limit for an action is used up.
type QuotaExceededError struct {
	Action    string
	Current   int
	Limit     int
	ResetHint string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded for %s (%d/%d), %s", e.Action, e.Current, e.Limit, e.ResetHint)
}

// CircuitOpenError carries the remaining cool-down so callers can retry later.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrCircuitOpen.Error(), e.RetryAfter.Round(time.Second))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// ProviderError wraps a failure of the analysis operation itself.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return "provider error: " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether err is an admission rejection (capacity, timeout
// or open circuit) rather than a failure attributable to the provider.
func Transient(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen)
}

// Unavailable wraps a storage driver error so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
