package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusDraft OrderStatus = "draft"
)

// Order is the draft order a billing cycle materializes before capture.
type Order struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID       snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	CustomerID     snowflake.ID      `gorm:"not null;index" json:"customer_id"`
	RegionID       string            `gorm:"not null" json:"region_id"`
	Email          string            `gorm:"not null" json:"email"`
	CurrencyCode   string            `gorm:"not null" json:"currency_code"`
	Status         OrderStatus       `gorm:"type:text;not null" json:"status"`
	BillingCycleID *snowflake.ID     `gorm:"uniqueIndex" json:"billing_cycle_id,omitempty"`
	Subtotal       decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"subtotal"`
	TaxTotal       decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"tax_total"`
	Total          decimal.Decimal   `gorm:"type:numeric(20,4);not null" json:"total"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	Items          []OrderItem       `gorm:"foreignKey:OrderID" json:"items"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

type OrderItem struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID   snowflake.ID `gorm:"not null;index" json:"order_id"`
	VariantID string       `gorm:"not null" json:"variant_id"`
	Quantity  int          `gorm:"not null" json:"quantity"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (OrderItem) TableName() string { return "order_items" }

type LineItem struct {
	VariantID string
	Quantity  int
}

// CreateOrderInput is what the materializer hands over for a new draft.
type CreateOrderInput struct {
	TenantID       snowflake.ID
	CustomerID     snowflake.ID
	RegionID       string
	Email          string
	CurrencyCode   string
	BillingCycleID snowflake.ID
	Items          []LineItem
	Subtotal       decimal.Decimal
	TaxTotal       decimal.Decimal
	Total          decimal.Decimal
	Metadata       map[string]any
}
