package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrSubscriptionNotFound = errors.New("subscription_not_found")

// Repository is the subscription store used by the billing engine. Period
// fields and the retry counter are written only through AdvancePeriod and
// ResetRetryCount.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListItems(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]SubscriptionItem, error)
	AdvancePeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, start, end, now time.Time) (bool, error)
	ResetRetryCount(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	IncrementRetryCount(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}
