package billing

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"github.com/smallbiznis/recurring/internal/billingcycle/period"
	obscontext "github.com/smallbiznis/recurring/internal/observability/context"
	obslogger "github.com/smallbiznis/recurring/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recurring/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Requeue moves a failed cycle whose backoff has elapsed back into the due
// set. Exhausted cycles are never requeued.
func (p *Processor) Requeue(ctx context.Context, cycle billingcycledomain.BillingCycle) error {
	policy := p.policy.Get()
	if cycle.IsExhausted() || cycle.AttemptCount >= policy.MaxAttempts {
		return fmt.Errorf("%w: cycle %s has no attempts left", billingcycledomain.ErrMaxAttemptsExceeded, cycle.ID)
	}

	now := p.clock.Now()
	billingDate := now
	if cycle.NextAttemptAt != nil {
		billingDate = *cycle.NextAttemptAt
	}
	if err := p.cycles.UpdateStatus(ctx, p.db, cycle.ID, billingcycledomain.BillingCycleStatusFailed, billingcycledomain.RequeuePatch(billingDate, now)); err != nil {
		obsmetrics.Scheduler().IncBillingCycleError(obsmetrics.CycleStageRequeue, err)
		return err
	}
	obsmetrics.Scheduler().IncBillingCycleTransition(
		string(billingcycledomain.BillingCycleStatusFailed),
		string(billingcycledomain.BillingCycleStatusUpcoming),
	)
	p.cycleLogger(ctx, cycle).Info("failed cycle requeued",
		zap.Int("attempt_count", cycle.AttemptCount),
		zap.Time("billing_date", billingDate),
	)
	return nil
}

// ReleaseStale recovers a cycle whose worker died mid-attempt. It returns to
// upcoming while attempts remain and is exhausted otherwise. The write only
// lands while the attempt that was read still holds the cycle and has not
// renewed its claim since.
func (p *Processor) ReleaseStale(ctx context.Context, cycle billingcycledomain.BillingCycle) (Outcome, error) {
	policy := p.policy.Get()
	now := p.clock.Now()
	cutoff := now.Add(-policy.StaleProcessingAfter)
	schedMetrics := obsmetrics.Scheduler()
	log := p.cycleLogger(ctx, cycle)

	if cycle.AttemptCount < policy.MaxAttempts {
		patch := billingcycledomain.ReleasePatch(now).Fenced(cycle.AttemptCount)
		patch.StaleBefore = &cutoff
		if err := p.cycles.UpdateStatus(ctx, p.db, cycle.ID, billingcycledomain.BillingCycleStatusProcessing, patch); err != nil {
			schedMetrics.IncBillingCycleError(obsmetrics.CycleStageStaleSweep, err)
			return "", err
		}
		schedMetrics.IncBillingCycleTransition(
			string(billingcycledomain.BillingCycleStatusProcessing),
			string(billingcycledomain.BillingCycleStatusUpcoming),
		)
		log.Warn("stale processing cycle released", zap.Int("attempt_count", cycle.AttemptCount))
		return OutcomeReleased, nil
	}

	var orderID *snowflake.ID
	order, err := p.orders.FindByBillingCycleID(ctx, cycle.ID)
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageStaleSweep, err)
		return "", err
	}
	if order != nil {
		id := order.ID
		orderID = &id
	}

	reason := billingcycledomain.ErrStaleProcessing.Error()
	patch := billingcycledomain.FailedPatch(reason, nil, true, orderID, now).Fenced(cycle.AttemptCount)
	patch.StaleBefore = &cutoff
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.cycles.UpdateStatus(ctx, tx, cycle.ID, billingcycledomain.BillingCycleStatusProcessing, patch); err != nil {
			return err
		}
		return p.subscriptions.IncrementRetryCount(ctx, tx, cycle.SubscriptionID, now)
	})
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageStaleSweep, err)
		return "", err
	}
	schedMetrics.IncBillingCycleTransition(
		string(billingcycledomain.BillingCycleStatusProcessing),
		string(billingcycledomain.BillingCycleStatusFailed),
	)
	schedMetrics.IncCycleExhausted()
	p.metrics.RecordCycleFailed(ctx, reason, true)
	log.Error("stale processing cycle exhausted", zap.Int("attempt_count", cycle.AttemptCount))
	return OutcomeExhausted, nil
}

// ReconcileSuccessor creates the missing next cycle for a completed one and
// rolls the subscription forward if that write was lost too.
func (p *Processor) ReconcileSuccessor(ctx context.Context, cycle billingcycledomain.BillingCycle) (bool, error) {
	if cycle.Status != billingcycledomain.BillingCycleStatusCompleted {
		return false, fmt.Errorf("%w: cycle %s is %s", billingcycledomain.ErrInvalidCycleState, cycle.ID, cycle.Status)
	}
	schedMetrics := obsmetrics.Scheduler()

	subscription, err := p.subscriptions.FindByID(ctx, p.db, cycle.SubscriptionID)
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageReconcile, err)
		return false, err
	}
	if !subscription.IsBillable() {
		return false, nil
	}
	next, err := period.Next(subscription.BillingInterval, subscription.BillingIntervalCount, cycle.PeriodEnd)
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageReconcile, err)
		return false, err
	}

	now := p.clock.Now()
	var created bool
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := p.subscriptions.AdvancePeriod(ctx, tx, subscription.ID, next.Start, next.End, now); err != nil {
			return err
		}
		var err error
		_, created, err = p.cycles.CreateNext(ctx, tx, nextCycleFor(p.genID.Generate(), &cycle, subscription, next), now)
		return err
	})
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageReconcile, err)
		return false, err
	}
	if created {
		p.cycleLogger(ctx, cycle).Warn("missing successor cycle created",
			zap.Time("period_start", next.Start),
			zap.Time("period_end", next.End),
		)
	}
	return created, nil
}

// Exhausted lists cycles waiting on manual intervention.
func (p *Processor) Exhausted(ctx context.Context, limit int) ([]billingcycledomain.BillingCycle, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.cycles.ListExhausted(ctx, p.db, limit)
}

func (p *Processor) cycleLogger(ctx context.Context, cycle billingcycledomain.BillingCycle) *zap.Logger {
	ctx = obscontext.WithTenantID(ctx, cycle.TenantID.String())
	ctx = obscontext.WithCycle(ctx, cycle.SubscriptionID.String(), cycle.ID.String())
	return obslogger.WithContext(ctx, p.log)
}

// IsSkipped reports errors from Process that left the cycle untouched.
func IsSkipped(err error) bool {
	return billingcycledomain.IsDispatchGuard(err)
}
