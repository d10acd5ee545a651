package billing

import (
	"errors"

	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
)

// reasonCodes is ordered most specific first.
var reasonCodes = []error{
	billingcycledomain.ErrMaxAttemptsExceeded,
	billingcycledomain.ErrInvalidInterval,
	billingcycledomain.ErrSubscriptionNotFound,
	billingcycledomain.ErrSubscriptionInactive,
	billingcycledomain.ErrCustomerNotFound,
	billingcycledomain.ErrOrderCreationFailed,
	billingcycledomain.ErrPaymentPending,
	billingcycledomain.ErrPaymentCaptureFailed,
	billingcycledomain.ErrStaleProcessing,
	billingcycledomain.ErrRollbackFailed,
}

// reasonCode maps err to a low-cardinality failure code.
func reasonCode(err error) string {
	if err == nil {
		return "unknown"
	}
	for _, code := range reasonCodes {
		if errors.Is(err, code) {
			return code.Error()
		}
	}
	return "internal_error"
}

// failureReason is the operator-facing text stored on the cycle.
func failureReason(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := err.Error()
	code := reasonCode(err)
	if code == "internal_error" {
		return code + ": " + msg
	}
	return msg
}
