package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrOrderNotFound = errors.New("order_not_found")
	ErrEmptyOrder    = errors.New("empty_order")
	ErrInvalidItem   = errors.New("invalid_order_item")
)

type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*Order, error)
	Delete(ctx context.Context, id snowflake.ID) error
	FindByBillingCycleID(ctx context.Context, billingCycleID snowflake.ID) (*Order, error)
}
