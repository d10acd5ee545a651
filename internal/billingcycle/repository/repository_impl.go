package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	subscriptiondomain "github.com/smallbiznis/recurring/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() billingcycledomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingcycledomain.BillingCycle, error) {
	var cycle billingcycledomain.BillingCycle
	err := db.WithContext(ctx).Where("id = ?", id).Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, billingcycledomain.ErrCycleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// UpdateStatus applies patch only while the row is still in from and, for
// fenced patches, still held by the expected attempt. Losing the race
// reports ErrInvalidCycleState.
func (r *repo) UpdateStatus(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	from billingcycledomain.BillingCycleStatus,
	patch billingcycledomain.StatusPatch,
) error {
	if !billingcycledomain.CanTransition(from, patch.To) {
		return fmt.Errorf("%w: %s -> %s", billingcycledomain.ErrInvalidCycleState, from, patch.To)
	}

	updates := map[string]any{
		"status":     patch.To,
		"updated_at": patch.Now,
	}
	if patch.IncrementAttempt {
		updates["attempt_count"] = gorm.Expr("attempt_count + 1")
	}
	if patch.LastAttemptAt != nil {
		updates["last_attempt_at"] = *patch.LastAttemptAt
	}
	if patch.SetNextAttemptAt {
		updates["next_attempt_at"] = patch.NextAttemptAt
	}
	if patch.BillingDate != nil {
		updates["billing_date"] = *patch.BillingDate
	}
	if patch.ClearFailure {
		updates["failure_reason"] = nil
	}
	if patch.FailureReason != nil {
		updates["failure_reason"] = *patch.FailureReason
	}
	if patch.OrderID != nil {
		updates["order_id"] = *patch.OrderID
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	if patch.FailedAt != nil {
		updates["failed_at"] = *patch.FailedAt
	}
	if patch.ExhaustedAt != nil {
		updates["exhausted_at"] = *patch.ExhaustedAt
	}

	query := db.WithContext(ctx).
		Model(&billingcycledomain.BillingCycle{}).
		Where("id = ? AND status = ?", id, from)
	if from == billingcycledomain.BillingCycleStatusFailed {
		query = query.Where("exhausted_at IS NULL")
	}
	if patch.ExpectedAttempt > 0 {
		query = query.Where("attempt_count = ?", patch.ExpectedAttempt)
	}
	if patch.StaleBefore != nil {
		query = query.Where("last_attempt_at IS NULL OR last_attempt_at <= ?", *patch.StaleBefore)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := r.FindByID(ctx, db, id)
	if err != nil {
		return err
	}
	if current.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", billingcycledomain.ErrInvalidCycleState, from, current.Status)
	}
	if patch.ExpectedAttempt > 0 && current.AttemptCount != patch.ExpectedAttempt {
		return fmt.Errorf("%w: attempt %d superseded by attempt %d", billingcycledomain.ErrInvalidCycleState, patch.ExpectedAttempt, current.AttemptCount)
	}
	return fmt.Errorf("%w: %s cycle no longer matches the update", billingcycledomain.ErrInvalidCycleState, current.Status)
}

// RenewClaim moves last_attempt_at forward on a processing cycle still held
// by attempt, keeping the stale sweep away from a live worker.
func (r *repo) RenewClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, attempt int, now time.Time) error {
	result := db.WithContext(ctx).
		Model(&billingcycledomain.BillingCycle{}).
		Where("id = ? AND status = ? AND attempt_count = ?", id, billingcycledomain.BillingCycleStatusProcessing, attempt).
		Updates(map[string]any{
			"last_attempt_at": now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	current, err := r.FindByID(ctx, db, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: attempt %d lost the claim, found %s at attempt %d",
		billingcycledomain.ErrInvalidCycleState, attempt, current.Status, current.AttemptCount)
}

// CreateNext inserts the upcoming cycle for the next period. Replays return
// the existing row with created=false.
func (r *repo) CreateNext(ctx context.Context, db *gorm.DB, next billingcycledomain.NextCycle, now time.Time) (*billingcycledomain.BillingCycle, bool, error) {
	cycle := billingcycledomain.BillingCycle{
		ID:             next.ID,
		TenantID:       next.TenantID,
		SubscriptionID: next.SubscriptionID,
		PeriodStart:    next.PeriodStart,
		PeriodEnd:      next.PeriodEnd,
		BillingDate:    next.PeriodStart,
		Status:         billingcycledomain.BillingCycleStatusUpcoming,
		Subtotal:       next.Totals.Subtotal,
		TaxTotal:       next.Totals.TaxTotal,
		Total:          next.Totals.Total,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cycle)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected > 0 {
		return &cycle, true, nil
	}

	var existing billingcycledomain.BillingCycle
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND period_start = ?", next.SubscriptionID, next.PeriodStart).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// another open cycle holds the per-subscription slot
		return nil, false, fmt.Errorf("%w: subscription %s already has an open cycle", billingcycledomain.ErrInvalidCycleState, next.SubscriptionID)
	}
	if err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

func (r *repo) FindDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]billingcycledomain.BillingCycle, error) {
	var cycles []billingcycledomain.BillingCycle
	err := withSkipLocked(db.WithContext(ctx)).
		Where("status = ? AND billing_date <= ?", billingcycledomain.BillingCycleStatusUpcoming, now).
		Order("billing_date ASC").
		Order("id ASC").
		Limit(limit).
		Find(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) FindFailedDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]billingcycledomain.BillingCycle, error) {
	var cycles []billingcycledomain.BillingCycle
	err := withSkipLocked(db.WithContext(ctx)).
		Where("status = ?", billingcycledomain.BillingCycleStatusFailed).
		Where("exhausted_at IS NULL").
		Where("next_attempt_at IS NOT NULL AND next_attempt_at <= ?", now).
		Where("attempt_count < ?", maxAttempts).
		Order("next_attempt_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) FindStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]billingcycledomain.BillingCycle, error) {
	var cycles []billingcycledomain.BillingCycle
	err := withSkipLocked(db.WithContext(ctx)).
		Where("status = ?", billingcycledomain.BillingCycleStatusProcessing).
		Where("last_attempt_at IS NULL OR last_attempt_at <= ?", cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

// FindCompletedWithoutSuccessor lists the latest completed cycle of active
// subscriptions that never got a following cycle.
func (r *repo) FindCompletedWithoutSuccessor(ctx context.Context, db *gorm.DB, limit int) ([]billingcycledomain.BillingCycle, error) {
	var cycles []billingcycledomain.BillingCycle
	err := db.WithContext(ctx).Raw(
		`SELECT bc.*
		 FROM billing_cycles bc
		 JOIN subscriptions s ON s.id = bc.subscription_id
		 WHERE bc.status = ?
		   AND s.status = ?
		   AND NOT EXISTS (
			   SELECT 1 FROM billing_cycles nx
			   WHERE nx.subscription_id = bc.subscription_id
			     AND nx.period_start >= bc.period_end
		   )
		 ORDER BY bc.id ASC
		 LIMIT ?`,
		billingcycledomain.BillingCycleStatusCompleted,
		subscriptiondomain.SubscriptionStatusActive,
		limit,
	).Scan(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) ListExhausted(ctx context.Context, db *gorm.DB, limit int) ([]billingcycledomain.BillingCycle, error) {
	var cycles []billingcycledomain.BillingCycle
	err := db.WithContext(ctx).
		Where("status = ? AND exhausted_at IS NOT NULL", billingcycledomain.BillingCycleStatusFailed).
		Order("exhausted_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

// withSkipLocked keeps concurrent scanners off rows another replica is
// mid-transaction on. Only postgres understands the clause.
func withSkipLocked(db *gorm.DB) *gorm.DB {
	if db.Dialector == nil || db.Dialector.Name() != "postgres" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}
