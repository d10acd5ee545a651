package guard

import (
	"errors"
	"time"

	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
)

var (
	ErrCycleNotUpcoming   = errors.New("billing_cycle_not_upcoming")
	ErrCycleNotDue        = errors.New("billing_cycle_not_due")
	ErrCycleNotFailed     = errors.New("billing_cycle_not_failed")
	ErrCycleExhausted     = errors.New("billing_cycle_exhausted")
	ErrBackoffNotElapsed  = errors.New("billing_cycle_backoff_not_elapsed")
	ErrCycleNotProcessing = errors.New("billing_cycle_not_processing")
	ErrCycleNotStale      = errors.New("billing_cycle_not_stale")
	ErrCycleNotCompleted  = errors.New("billing_cycle_not_completed")
	ErrInvalidMaxAttempts = errors.New("invalid_max_attempts")
)

// EnsureCycleDue holds for an upcoming cycle whose billing date is at or
// before now.
func EnsureCycleDue(status billingcycledomain.BillingCycleStatus, billingDate time.Time, now time.Time) error {
	if status != billingcycledomain.BillingCycleStatusUpcoming {
		return ErrCycleNotUpcoming
	}
	if billingDate.After(now) {
		return ErrCycleNotDue
	}
	return nil
}

// EnsureCycleRetryable holds for a failed, non-exhausted cycle with attempts
// left whose backoff has elapsed.
func EnsureCycleRetryable(cycle billingcycledomain.BillingCycle, now time.Time, maxAttempts int) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if cycle.Status != billingcycledomain.BillingCycleStatusFailed {
		return ErrCycleNotFailed
	}
	if cycle.ExhaustedAt != nil || cycle.AttemptCount >= maxAttempts {
		return ErrCycleExhausted
	}
	if cycle.NextAttemptAt == nil || cycle.NextAttemptAt.After(now) {
		return ErrBackoffNotElapsed
	}
	return nil
}

// EnsureCycleStale holds for a processing cycle whose last attempt began
// at or before cutoff. A processing cycle without an attempt stamp is stale.
func EnsureCycleStale(status billingcycledomain.BillingCycleStatus, lastAttemptAt *time.Time, cutoff time.Time) error {
	if status != billingcycledomain.BillingCycleStatusProcessing {
		return ErrCycleNotProcessing
	}
	if lastAttemptAt != nil && lastAttemptAt.After(cutoff) {
		return ErrCycleNotStale
	}
	return nil
}

func EnsureCycleCompleted(status billingcycledomain.BillingCycleStatus) error {
	if status != billingcycledomain.BillingCycleStatusCompleted {
		return ErrCycleNotCompleted
	}
	return nil
}
