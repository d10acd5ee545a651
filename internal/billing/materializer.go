package billing

import (
	"context"
	"errors"
	"fmt"

	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	customerdomain "github.com/smallbiznis/recurring/internal/customer/domain"
	orderdomain "github.com/smallbiznis/recurring/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/recurring/internal/subscription/domain"
	"go.uber.org/zap"
)

// Order metadata keys that tie a draft order back to its billing cycle.
const (
	MetadataSubscriptionID      = "subscriptionId"
	MetadataBillingCycleID      = "billingCycleId"
	MetadataIsSubscriptionOrder = "isSubscriptionOrder"
)

// Materialized is the order a cycle attempt charges against.
type Materialized struct {
	Order    *orderdomain.Order
	Customer customerdomain.Lookup
	// Reused is set when the order survived an earlier interrupted attempt.
	Reused bool
}

type Materializer struct {
	customers customerdomain.Service
	orders    orderdomain.Service
	log       *zap.Logger
}

func NewMaterializer(customers customerdomain.Service, orders orderdomain.Service, log *zap.Logger) *Materializer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Materializer{
		customers: customers,
		orders:    orders,
		log:       log.Named("billing.materializer"),
	}
}

// Materialize resolves the customer and returns the draft order for the
// cycle, creating it from the subscription's item snapshot when none exists.
func (m *Materializer) Materialize(
	ctx context.Context,
	cycle *billingcycledomain.BillingCycle,
	subscription *subscriptiondomain.Subscription,
	items []subscriptiondomain.SubscriptionItem,
) (Materialized, error) {
	customer, err := m.customers.GetCustomer(ctx, subscription.CustomerID)
	if err != nil {
		if errors.Is(err, customerdomain.ErrCustomerNotFound) {
			return Materialized{}, fmt.Errorf("%w: customer %s", billingcycledomain.ErrCustomerNotFound, subscription.CustomerID)
		}
		return Materialized{}, fmt.Errorf("%w: customer lookup: %w", billingcycledomain.ErrOrderCreationFailed, err)
	}

	existing, err := m.orders.FindByBillingCycleID(ctx, cycle.ID)
	if err != nil {
		return Materialized{}, fmt.Errorf("%w: find existing order: %w", billingcycledomain.ErrOrderCreationFailed, err)
	}
	if existing != nil {
		m.log.Info("reusing order from interrupted attempt",
			zap.String("billing_cycle_id", cycle.ID.String()),
			zap.String("order_id", existing.ID.String()),
		)
		return Materialized{Order: existing, Customer: customer, Reused: true}, nil
	}

	regionID := subscription.RegionID
	if regionID == "" {
		regionID = customer.RegionID
	}

	lines := make([]orderdomain.LineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, orderdomain.LineItem{VariantID: item.VariantID, Quantity: item.Quantity})
	}

	order, err := m.orders.Create(ctx, orderdomain.CreateOrderInput{
		TenantID:       cycle.TenantID,
		CustomerID:     customer.CustomerID,
		RegionID:       regionID,
		Email:          customer.Email,
		CurrencyCode:   subscription.CurrencyCode,
		BillingCycleID: cycle.ID,
		Items:          lines,
		Subtotal:       cycle.Subtotal,
		TaxTotal:       cycle.TaxTotal,
		Total:          cycle.Total,
		Metadata: map[string]any{
			MetadataSubscriptionID:      subscription.ID.String(),
			MetadataBillingCycleID:      cycle.ID.String(),
			MetadataIsSubscriptionOrder: true,
		},
	})
	if err != nil {
		return Materialized{}, fmt.Errorf("%w: %w", billingcycledomain.ErrOrderCreationFailed, err)
	}
	if order == nil {
		return Materialized{}, fmt.Errorf("%w: order service returned no order", billingcycledomain.ErrOrderCreationFailed)
	}
	return Materialized{Order: order, Customer: customer}, nil
}
