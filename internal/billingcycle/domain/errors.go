package domain

import (
	"errors"

	"github.com/smallbiznis/recurring/internal/billingcycle/period"
	customerdomain "github.com/smallbiznis/recurring/internal/customer/domain"
	subscriptiondomain "github.com/smallbiznis/recurring/internal/subscription/domain"
)

var (
	ErrCycleNotFound        = errors.New("cycle_not_found")
	ErrInvalidCycleState    = errors.New("invalid_cycle_state")
	ErrInvalidInterval      = period.ErrInvalidInterval
	ErrCustomerNotFound     = customerdomain.ErrCustomerNotFound
	ErrOrderCreationFailed  = errors.New("order_creation_failed")
	ErrPaymentCaptureFailed = errors.New("payment_capture_failed")
	// ErrPaymentPending means the provider accepted the charge but has not
	// settled it. The order must survive so the next attempt can resolve it.
	ErrPaymentPending       = errors.New("payment_capture_pending")
	ErrMaxAttemptsExceeded  = errors.New("max_attempts_exceeded")
	ErrSubscriptionNotFound = subscriptiondomain.ErrSubscriptionNotFound
	ErrSubscriptionInactive = errors.New("subscription_inactive")
	ErrStaleProcessing      = errors.New("stale_processing")
	ErrRollbackFailed       = errors.New("rollback_failed")
)

// IsDispatchGuard reports errors that mean the unit was skipped without
// touching the cycle.
func IsDispatchGuard(err error) bool {
	return errors.Is(err, ErrCycleNotFound) || errors.Is(err, ErrInvalidCycleState)
}

// IsTerminal reports failures that will not heal on retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrSubscriptionInactive) ||
		errors.Is(err, ErrMaxAttemptsExceeded)
}
