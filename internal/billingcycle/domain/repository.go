package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the cycle store. UpdateStatus is conditional on the current
// status and is the only way status, attempt and period fields change.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingCycle, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from BillingCycleStatus, patch StatusPatch) error
	RenewClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, attempt int, now time.Time) error
	CreateNext(ctx context.Context, db *gorm.DB, next NextCycle, now time.Time) (*BillingCycle, bool, error)
	FindDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]BillingCycle, error)
	FindFailedDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]BillingCycle, error)
	FindStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]BillingCycle, error)
	FindCompletedWithoutSuccessor(ctx context.Context, db *gorm.DB, limit int) ([]BillingCycle, error)
	ListExhausted(ctx context.Context, db *gorm.DB, limit int) ([]BillingCycle, error)
}
