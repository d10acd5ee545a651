package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BillingCycleStatus tracks one billing attempt window.
type BillingCycleStatus string

const (
	BillingCycleStatusUpcoming   BillingCycleStatus = "upcoming"
	BillingCycleStatusProcessing BillingCycleStatus = "processing"
	BillingCycleStatusCompleted  BillingCycleStatus = "completed"
	BillingCycleStatusFailed     BillingCycleStatus = "failed"
)

// BillingCycle covers exactly one subscription period. Rows are never deleted.
type BillingCycle struct {
	ID             snowflake.ID       `gorm:"primaryKey"`
	TenantID       snowflake.ID       `gorm:"not null;index"`
	SubscriptionID snowflake.ID       `gorm:"not null;index;uniqueIndex:ux_billing_cycle_period,priority:1"`
	PeriodStart    time.Time          `gorm:"not null;uniqueIndex:ux_billing_cycle_period,priority:2"`
	PeriodEnd      time.Time          `gorm:"not null"`
	BillingDate    time.Time          `gorm:"not null;index"`
	Status         BillingCycleStatus `gorm:"type:text;not null;default:'upcoming';index"`
	AttemptCount   int                `gorm:"not null;default:0"`
	LastAttemptAt  *time.Time         `gorm:""`
	NextAttemptAt  *time.Time         `gorm:""`
	FailureReason  *string            `gorm:"type:text"`
	OrderID        *snowflake.ID      `gorm:""`
	CompletedAt    *time.Time         `gorm:""`
	FailedAt       *time.Time         `gorm:""`
	ExhaustedAt    *time.Time         `gorm:""`
	Subtotal       decimal.Decimal    `gorm:"type:numeric(20,4);not null"`
	TaxTotal       decimal.Decimal    `gorm:"type:numeric(20,4);not null"`
	Total          decimal.Decimal    `gorm:"type:numeric(20,4);not null"`
	Metadata       datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt      time.Time          `gorm:"not null"`
	UpdatedAt      time.Time          `gorm:"not null"`
}

// TableName sets the database table name.
func (BillingCycle) TableName() string { return "billing_cycles" }

func (c BillingCycle) IsTerminal() bool {
	return c.Status == BillingCycleStatusCompleted || c.Status == BillingCycleStatusFailed
}

func (c BillingCycle) IsExhausted() bool {
	return c.Status == BillingCycleStatusFailed && c.ExhaustedAt != nil
}

// Totals are the pricing amounts carried from a subscription onto a cycle.
type Totals struct {
	Subtotal decimal.Decimal
	TaxTotal decimal.Decimal
	Total    decimal.Decimal
}

// NextCycle describes the upcoming cycle created after a completion.
type NextCycle struct {
	ID             snowflake.ID
	TenantID       snowflake.ID
	SubscriptionID snowflake.ID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Totals         Totals
}

var transitions = map[BillingCycleStatus][]BillingCycleStatus{
	BillingCycleStatusUpcoming: {BillingCycleStatusProcessing},
	BillingCycleStatusProcessing: {
		BillingCycleStatusCompleted,
		BillingCycleStatusFailed,
		// stale sweep after a worker crash
		BillingCycleStatusUpcoming,
	},
	// retry scan re-queue
	BillingCycleStatusFailed: {BillingCycleStatusUpcoming},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to BillingCycleStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
