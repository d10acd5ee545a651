package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByBillingCycleID(ctx context.Context, db *gorm.DB, billingCycleID snowflake.ID) (*Order, error)
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
}
