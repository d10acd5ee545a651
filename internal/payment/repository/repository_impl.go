package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurring/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.Attempt) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (
			id, tenant_id, order_id, idempotency_key, provider, status,
			provider_reference, failure_code, amount, currency, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		attempt.ID,
		attempt.TenantID,
		attempt.OrderID,
		attempt.IdempotencyKey,
		attempt.Provider,
		attempt.Status,
		attempt.ProviderReference,
		attempt.FailureCode,
		attempt.Amount,
		attempt.Currency,
		attempt.Metadata,
		attempt.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindSucceededByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.Attempt, error) {
	return r.findLatestByOrder(ctx, db, orderID, domain.CaptureStatusSucceeded)
}

func (r *repo) FindPendingByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.Attempt, error) {
	return r.findLatestByOrder(ctx, db, orderID, domain.CaptureStatusPending)
}

// SettleAttempt moves a pending attempt to the status the provider reported.
// Attempts that already left pending are not touched.
func (r *repo) SettleAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, result domain.CaptureResult) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?, provider_reference = ?, failure_code = ?
		 WHERE id = ? AND status = ?`,
		result.Status,
		result.ProviderReference,
		result.FailureCode,
		id,
		domain.CaptureStatusPending,
	).Error
}

func (r *repo) findLatestByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID, status domain.CaptureStatus) (*domain.Attempt, error) {
	var item domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, order_id, idempotency_key, provider, status,
			provider_reference, failure_code, amount, currency, metadata, created_at
		 FROM payment_attempts
		 WHERE order_id = ? AND status = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		orderID,
		status,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
