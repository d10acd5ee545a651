package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"github.com/smallbiznis/recurring/internal/billingcycle/period"
	customerdomain "github.com/smallbiznis/recurring/internal/customer/domain"
	subscriptiondomain "github.com/smallbiznis/recurring/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Fixture seeds one customer, one subscription with items and its first
// upcoming cycle.
type Fixture struct {
	Customer     customerdomain.Customer
	Subscription subscriptiondomain.Subscription
	Items        []subscriptiondomain.SubscriptionItem
	Cycle        billingcycledomain.BillingCycle
}

type FixtureOption func(*Fixture)

func WithCollectionMethod(method subscriptiondomain.PaymentCollectionMethod) FixtureOption {
	return func(f *Fixture) { f.Subscription.PaymentCollectionMethod = method }
}

func WithInterval(unit period.Unit, count int) FixtureOption {
	return func(f *Fixture) {
		f.Subscription.BillingInterval = unit
		f.Subscription.BillingIntervalCount = count
	}
}

func WithSubscriptionStatus(status subscriptiondomain.SubscriptionStatus) FixtureOption {
	return func(f *Fixture) { f.Subscription.Status = status }
}

func WithoutCustomer() FixtureOption {
	return func(f *Fixture) { f.Customer.ID = 0 }
}

// SeedSubscription writes a monthly subscription whose current period is
// [start, start+1 month) and an upcoming cycle for that period due at start.
func SeedSubscription(t testing.TB, db *gorm.DB, node *snowflake.Node, start time.Time, opts ...FixtureOption) Fixture {
	t.Helper()
	start = start.UTC()
	end := start.AddDate(0, 1, 0)
	tenantID := node.Generate()
	customerID := node.Generate()

	f := Fixture{
		Customer: customerdomain.Customer{
			ID:        customerID,
			TenantID:  tenantID,
			RegionID:  "reg_id",
			Name:      "Ada",
			Email:     "ada@example.com",
			Metadata:  datatypes.JSONMap{"payment_customer_id": "cus_test", "payment_method_id": "pm_test"},
			CreatedAt: start,
			UpdatedAt: start,
		},
		Subscription: subscriptiondomain.Subscription{
			ID:                      node.Generate(),
			TenantID:                tenantID,
			CustomerID:              customerID,
			RegionID:                "reg_id",
			CurrencyCode:            "USD",
			Status:                  subscriptiondomain.SubscriptionStatusActive,
			BillingInterval:         period.UnitMonthly,
			BillingIntervalCount:    1,
			CurrentPeriodStart:      start,
			CurrentPeriodEnd:        end,
			PaymentCollectionMethod: subscriptiondomain.ChargeAutomatically,
			Subtotal:                decimal.RequireFromString("45.00"),
			TaxTotal:                decimal.RequireFromString("4.50"),
			Total:                   decimal.RequireFromString("49.50"),
			CreatedAt:               start,
			UpdatedAt:               start,
		},
	}
	for _, opt := range opts {
		opt(&f)
	}

	if f.Customer.ID != 0 {
		mustCreate(t, db, &f.Customer)
	}
	mustCreate(t, db, &f.Subscription)

	f.Items = []subscriptiondomain.SubscriptionItem{
		{ID: node.Generate(), SubscriptionID: f.Subscription.ID, VariantID: "variant_basic", Quantity: 1, CreatedAt: start},
		{ID: node.Generate(), SubscriptionID: f.Subscription.ID, VariantID: "variant_addon", Quantity: 2, CreatedAt: start},
	}
	for i := range f.Items {
		mustCreate(t, db, &f.Items[i])
	}

	f.Cycle = billingcycledomain.BillingCycle{
		ID:             node.Generate(),
		TenantID:       tenantID,
		SubscriptionID: f.Subscription.ID,
		PeriodStart:    start,
		PeriodEnd:      f.Subscription.CurrentPeriodEnd,
		BillingDate:    start,
		Status:         billingcycledomain.BillingCycleStatusUpcoming,
		Subtotal:       f.Subscription.Subtotal,
		TaxTotal:       f.Subscription.TaxTotal,
		Total:          f.Subscription.Total,
		CreatedAt:      start,
		UpdatedAt:      start,
	}
	mustCreate(t, db, &f.Cycle)
	return f
}

// MakeDue moves a cycle's billing date to at.
func MakeDue(t testing.TB, db *gorm.DB, cycleID snowflake.ID, at time.Time) {
	t.Helper()
	err := db.Exec(`UPDATE billing_cycles SET billing_date = ? WHERE id = ?`, at.UTC(), cycleID).Error
	if err != nil {
		t.Fatalf("make cycle due: %v", err)
	}
}

func mustCreate(t testing.TB, db *gorm.DB, value any) {
	t.Helper()
	if err := db.Create(value).Error; err != nil {
		t.Fatalf("seed %T: %v", value, err)
	}
}
