// Package domain contains persistence models for recurring subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurring/internal/billingcycle/period"
)

// SubscriptionStatus is owned by the signup/cancel flows; billing only reads it.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

type PaymentCollectionMethod string

const (
	ChargeAutomatically PaymentCollectionMethod = "charge_automatically"
	SendInvoice         PaymentCollectionMethod = "send_invoice"
)

// Subscription is a recurring commitment to buy a fixed set of items.
type Subscription struct {
	ID                      snowflake.ID            `gorm:"primaryKey"`
	TenantID                snowflake.ID            `gorm:"not null;index"`
	CustomerID              snowflake.ID            `gorm:"not null;index"`
	RegionID                string                  `gorm:"type:text"`
	CurrencyCode            string                  `gorm:"type:text;not null"`
	Status                  SubscriptionStatus      `gorm:"type:text;not null;default:'active'"`
	BillingInterval         period.Unit             `gorm:"type:text;not null"`
	BillingIntervalCount    int                     `gorm:"not null"`
	CurrentPeriodStart      time.Time               `gorm:"not null"`
	CurrentPeriodEnd        time.Time               `gorm:"not null"`
	RetryCount              int                     `gorm:"not null;default:0"`
	PaymentCollectionMethod PaymentCollectionMethod `gorm:"type:text;not null"`
	Subtotal                decimal.Decimal         `gorm:"type:numeric(20,4);not null"`
	TaxTotal                decimal.Decimal         `gorm:"type:numeric(20,4);not null"`
	Total                   decimal.Decimal         `gorm:"type:numeric(20,4);not null"`
	CreatedAt               time.Time               `gorm:"not null"`
	UpdatedAt               time.Time               `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsBillable reports whether a cycle may still be charged for this subscription.
func (s Subscription) IsBillable() bool {
	return s.Status == SubscriptionStatusActive
}

// SubscriptionItem is an immutable line snapshot.
type SubscriptionItem struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	VariantID      string       `gorm:"type:text;not null"`
	Quantity       int          `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionItem) TableName() string { return "subscription_items" }
