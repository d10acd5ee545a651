package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *Attempt) (bool, error)
	FindSucceededByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Attempt, error)
	FindPendingByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*Attempt, error)
	SettleAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, result CaptureResult) error
}
