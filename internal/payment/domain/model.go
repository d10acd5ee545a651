package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type CaptureStatus string

const (
	CaptureStatusSucceeded CaptureStatus = "succeeded"
	CaptureStatusFailed    CaptureStatus = "failed"
	// CaptureStatusPending covers provider states that need customer action.
	CaptureStatusPending CaptureStatus = "pending"
)

var (
	ErrProviderNotFound      = errors.New("payment_provider_not_found")
	ErrProviderNotConfigured = errors.New("payment_provider_not_configured")
	ErrInvalidConfig         = errors.New("invalid_payment_config")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrMissingPaymentMethod  = errors.New("missing_payment_method")
)

// Attempt records one capture call against a provider.
type Attempt struct {
	ID                snowflake.ID      `json:"id" gorm:"primaryKey"`
	TenantID          snowflake.ID      `json:"tenant_id" gorm:"not null;index"`
	OrderID           snowflake.ID      `json:"order_id" gorm:"not null;index"`
	IdempotencyKey    string            `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex"`
	Provider          string            `json:"provider" gorm:"type:text;not null"`
	Status            CaptureStatus     `json:"status" gorm:"type:text;not null"`
	ProviderReference string            `json:"provider_reference" gorm:"type:text"`
	FailureCode       string            `json:"failure_code" gorm:"type:text"`
	Amount            decimal.Decimal   `json:"amount" gorm:"type:numeric(20,4);not null"`
	Currency          string            `json:"currency" gorm:"type:text;not null"`
	Metadata          datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt         time.Time         `json:"created_at" gorm:"not null"`
}

func (Attempt) TableName() string { return "payment_attempts" }

type CaptureRequest struct {
	TenantID           snowflake.ID
	OrderID            snowflake.ID
	CustomerID         snowflake.ID
	ProviderCustomerID string
	PaymentMethodID    string
	Amount             decimal.Decimal
	Currency           string
	IdempotencyKey     string
	Metadata           map[string]string
}

type CaptureResult struct {
	Status            CaptureStatus
	Provider          string
	ProviderReference string
	FailureCode       string
}

func (r CaptureResult) Succeeded() bool {
	return r.Status == CaptureStatusSucceeded
}

type AdapterConfig struct {
	Provider  string
	SecretKey string
}

// Charger moves money for one capture request.
type Charger interface {
	Charge(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}

// Resolver reads the current state of a charge the provider left pending.
// Chargers without it get the pending request replayed under its original
// idempotency key.
type Resolver interface {
	Resolve(ctx context.Context, providerReference string) (CaptureResult, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Charger, error)
}

type Service interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}
