package billing

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/recurring/internal/subscription/domain"
)

type CaptureStep struct {
	payments paymentdomain.Service
}

func NewCaptureStep(payments paymentdomain.Service) *CaptureStep {
	return &CaptureStep{payments: payments}
}

// Capture charges the order total for charge_automatically subscriptions.
// Other collection methods settle outside the engine and report
// charged=false with no error. A charge the provider has not settled yet
// comes back as ErrPaymentPending.
func (c *CaptureStep) Capture(
	ctx context.Context,
	cycle *billingcycledomain.BillingCycle,
	subscription *subscriptiondomain.Subscription,
	materialized Materialized,
) (result paymentdomain.CaptureResult, charged bool, err error) {
	if subscription.PaymentCollectionMethod != subscriptiondomain.ChargeAutomatically {
		return paymentdomain.CaptureResult{}, false, nil
	}

	order := materialized.Order
	result, err = c.payments.Capture(ctx, paymentdomain.CaptureRequest{
		TenantID:           cycle.TenantID,
		OrderID:            order.ID,
		CustomerID:         materialized.Customer.CustomerID,
		ProviderCustomerID: materialized.Customer.PaymentCustomerID,
		PaymentMethodID:    materialized.Customer.PaymentMethodID,
		Amount:             order.Total,
		Currency:           subscription.CurrencyCode,
		IdempotencyKey:     IdempotencyKey(order.ID, cycle.AttemptCount),
		Metadata: map[string]string{
			MetadataSubscriptionID: subscription.ID.String(),
			MetadataBillingCycleID: cycle.ID.String(),
		},
	})
	if err != nil {
		return result, false, fmt.Errorf("%w: %w", billingcycledomain.ErrPaymentCaptureFailed, err)
	}
	if result.Status == paymentdomain.CaptureStatusPending {
		return result, false, fmt.Errorf("%w: provider_reference=%s", billingcycledomain.ErrPaymentPending, result.ProviderReference)
	}
	if !result.Succeeded() {
		return result, false, fmt.Errorf("%w: status=%s code=%s", billingcycledomain.ErrPaymentCaptureFailed, result.Status, result.FailureCode)
	}
	return result, true, nil
}

// IdempotencyKey scopes provider retries to a single attempt on an order.
func IdempotencyKey(orderID snowflake.ID, attempt int) string {
	return fmt.Sprintf("order_%s_attempt_%d", orderID, attempt)
}
