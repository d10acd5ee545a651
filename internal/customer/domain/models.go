package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Customer struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	RegionID  string            `gorm:"not null" json:"region_id"`
	Name      string            `gorm:"not null" json:"name"`
	Email     string            `gorm:"not null" json:"email"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

// Metadata keys written by the payment onboarding flow.
const (
	MetadataPaymentCustomerID = "payment_customer_id"
	MetadataPaymentMethodID   = "payment_method_id"
)

// Lookup is what billing needs to know about a customer.
type Lookup struct {
	CustomerID        snowflake.ID
	RegionID          string
	Email             string
	PaymentCustomerID string
	PaymentMethodID   string
}

func (c Customer) metadataString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	value, ok := c.Metadata[key].(string)
	if !ok {
		return ""
	}
	return value
}

// ToLookup projects the stored customer into the billing view.
func (c Customer) ToLookup() Lookup {
	return Lookup{
		CustomerID:        c.ID,
		RegionID:          c.RegionID,
		Email:             c.Email,
		PaymentCustomerID: c.metadataString(MetadataPaymentCustomerID),
		PaymentMethodID:   c.metadataString(MetadataPaymentMethodID),
	}
}
