package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurring/internal/billingcycle/backoff"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"github.com/smallbiznis/recurring/internal/billingcycle/period"
	"github.com/smallbiznis/recurring/internal/clock"
	"github.com/smallbiznis/recurring/internal/config"
	customerdomain "github.com/smallbiznis/recurring/internal/customer/domain"
	obscontext "github.com/smallbiznis/recurring/internal/observability/context"
	obslogger "github.com/smallbiznis/recurring/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recurring/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/recurring/internal/order/domain"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/recurring/internal/subscription/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_billing_processor_config")

const (
	maxFailureReasonLength = 500
	// settleTimeout bounds the outcome writes that run after the caller's
	// context is gone.
	settleTimeout = 30 * time.Second
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeReleased is a stale cycle handed back to the due set.
	OutcomeReleased Outcome = "released"
)

// Result describes one attempt that got past the claim. Err carries the
// step failure for failed and exhausted outcomes.
type Result struct {
	CycleID     snowflake.ID
	Outcome     Outcome
	OrderID     snowflake.ID
	NextCycleID snowflake.ID
	Reason      string
	Err         error
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Policy        *config.PolicyHolder
	Cycles        billingcycledomain.Repository
	Subscriptions subscriptiondomain.Repository
	Customers     customerdomain.Service
	Orders        orderdomain.Service
	Payments      paymentdomain.Service
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

// Processor is the billing cycle state machine. It is the only writer of
// cycle status, attempt counters and subscription period fields.
type Processor struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	policy        *config.PolicyHolder
	cycles        billingcycledomain.Repository
	subscriptions subscriptiondomain.Repository
	orders        orderdomain.Service
	materializer  *Materializer
	capture       *CaptureStep
	metrics       *obsmetrics.Metrics
	tracer        trace.Tracer
}

func NewProcessor(p Params) (*Processor, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Policy == nil ||
		p.Cycles == nil || p.Subscriptions == nil || p.Customers == nil || p.Orders == nil || p.Payments == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("billing.processor")
	return &Processor{
		db:            p.DB,
		log:           log,
		genID:         p.GenID,
		clock:         p.Clock,
		policy:        p.Policy,
		cycles:        p.Cycles,
		subscriptions: p.Subscriptions,
		orders:        p.Orders,
		materializer:  NewMaterializer(p.Customers, p.Orders, p.Log),
		capture:       NewCaptureStep(p.Payments),
		metrics:       p.Metrics,
		tracer:        otel.Tracer("recurring/billing"),
	}, nil
}

// attempt is the working state of one claimed cycle.
type attempt struct {
	cycle        *billingcycledomain.BillingCycle
	subscription *subscriptiondomain.Subscription
	items        []subscriptiondomain.SubscriptionItem
	next         period.Period
	materialized Materialized
	captured     bool
	// pending is a charge the provider accepted but has not settled.
	pending      bool
	startedAt    time.Time
}

func (a *attempt) order() *orderdomain.Order {
	return a.materialized.Order
}

// Process runs one billing attempt for cycleID. Dispatch guards and failures
// to record an outcome come back as errors; step failures are folded into a
// failed Result.
func (p *Processor) Process(ctx context.Context, cycleID snowflake.ID) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "billing.process_cycle",
		trace.WithAttributes(attribute.String("billing_cycle_id", cycleID.String())),
	)
	defer span.End()

	result := Result{CycleID: cycleID}
	schedMetrics := obsmetrics.Scheduler()

	cycle, err := p.cycles.FindByID(ctx, p.db, cycleID)
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageLoad, err)
		recordSpanError(span, err)
		return result, err
	}
	if cycle.Status != billingcycledomain.BillingCycleStatusUpcoming {
		err := fmt.Errorf("%w: cycle %s is %s", billingcycledomain.ErrInvalidCycleState, cycle.ID, cycle.Status)
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageLoad, err)
		recordSpanError(span, err)
		return result, err
	}

	ctx = obscontext.WithTenantID(ctx, cycle.TenantID.String())
	ctx = obscontext.WithCycle(ctx, cycle.SubscriptionID.String(), cycle.ID.String())
	log := obslogger.WithContext(ctx, p.log)
	span.SetAttributes(attribute.String("subscription_id", cycle.SubscriptionID.String()))

	now := p.clock.Now()
	if err := p.cycles.UpdateStatus(ctx, p.db, cycle.ID, billingcycledomain.BillingCycleStatusUpcoming, billingcycledomain.ProcessingPatch(now)); err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageMarkProcessing, err)
		recordSpanError(span, err)
		log.Info("cycle claim lost", zap.Error(err))
		return result, err
	}
	schedMetrics.IncBillingCycleTransition(
		string(billingcycledomain.BillingCycleStatusUpcoming),
		string(billingcycledomain.BillingCycleStatusProcessing),
	)
	cycle.Status = billingcycledomain.BillingCycleStatusProcessing
	cycle.AttemptCount++
	cycle.LastAttemptAt = &now
	span.SetAttributes(attribute.Int("attempt", cycle.AttemptCount))
	log = log.With(zap.Int("attempt", cycle.AttemptCount))
	log.Info("billing cycle processing started")

	att := &attempt{cycle: cycle, startedAt: now}
	stepErr := p.runSteps(ctx, att)
	if stepErr == nil {
		stepErr = p.complete(ctx, att, &result)
		if stepErr == nil {
			log.Info("billing cycle completed",
				zap.String("order_id", result.OrderID.String()),
				zap.String("next_cycle_id", result.NextCycleID.String()),
			)
			return result, nil
		}
		if errors.Is(stepErr, billingcycledomain.ErrInvalidCycleState) {
			recordSpanError(span, stepErr)
			return result, stepErr
		}
	}

	recordSpanError(span, stepErr)
	if err := p.fail(ctx, att, stepErr, &result); err != nil {
		if errors.Is(err, billingcycledomain.ErrInvalidCycleState) {
			log.Warn("billing attempt superseded", zap.NamedError("step_error", stepErr), zap.Error(err))
		} else {
			log.Error("failed to record billing cycle failure", zap.NamedError("step_error", stepErr), zap.Error(err))
		}
		return result, errors.Join(stepErr, err)
	}
	log.Warn("billing cycle failed",
		zap.String("outcome", string(result.Outcome)),
		zap.String("reason", result.Reason),
	)
	return result, nil
}

func (p *Processor) runSteps(ctx context.Context, att *attempt) error {
	schedMetrics := obsmetrics.Scheduler()

	subscription, err := p.subscriptions.FindByID(ctx, p.db, att.cycle.SubscriptionID)
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageLoad, err)
		return err
	}
	att.subscription = subscription
	if !subscription.IsBillable() {
		return fmt.Errorf("%w: subscription %s is %s", billingcycledomain.ErrSubscriptionInactive, subscription.ID, subscription.Status)
	}

	next, err := period.Next(subscription.BillingInterval, subscription.BillingIntervalCount, att.cycle.PeriodEnd)
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageLoad, err)
		return err
	}
	att.next = next

	items, err := p.subscriptions.ListItems(ctx, p.db, subscription.ID)
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageLoad, err)
		return err
	}
	att.items = items

	materializeCtx, span := p.tracer.Start(ctx, "billing.materialize_order")
	materialized, err := p.materializer.Materialize(materializeCtx, att.cycle, subscription, items)
	if err != nil {
		recordSpanError(span, err)
		span.End()
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageMaterialize, err)
		return err
	}
	span.SetAttributes(
		attribute.String("order_id", materialized.Order.ID.String()),
		attribute.Bool("reused", materialized.Reused),
	)
	span.End()
	att.materialized = materialized

	captureCtx, span := p.tracer.Start(ctx, "billing.capture_payment")
	defer span.End()
	captureResult, charged, err := p.capture.Capture(captureCtx, att.cycle, subscription, materialized)
	if captureResult.Status != "" {
		p.metrics.RecordCapture(ctx, captureResult.Provider, string(captureResult.Status))
	}
	if err != nil {
		att.pending = errors.Is(err, billingcycledomain.ErrPaymentPending)
		recordSpanError(span, err)
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageCapture, err)
		return err
	}
	att.captured = charged
	span.SetAttributes(attribute.Bool("charged", charged))
	return nil
}

// complete commits the success transition, the subscription rollover and the
// successor cycle in one transaction.
func (p *Processor) complete(ctx context.Context, att *attempt, result *Result) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()

	now := p.clock.Now()
	cycle := att.cycle
	order := att.order()
	nextID := p.genID.Generate()
	patch := billingcycledomain.CompletedPatch(order.ID, now).Fenced(cycle.AttemptCount)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.cycles.UpdateStatus(ctx, tx, cycle.ID, billingcycledomain.BillingCycleStatusProcessing, patch); err != nil {
			return err
		}
		if _, err := p.subscriptions.AdvancePeriod(ctx, tx, att.subscription.ID, att.next.Start, att.next.End, now); err != nil {
			return err
		}
		if err := p.subscriptions.ResetRetryCount(ctx, tx, att.subscription.ID, now); err != nil {
			return err
		}
		created, _, err := p.cycles.CreateNext(ctx, tx, nextCycleFor(nextID, cycle, att.subscription, att.next), now)
		if err != nil {
			return err
		}
		nextID = created.ID
		return nil
	})
	if err != nil {
		obsmetrics.Scheduler().IncBillingCycleError(obsmetrics.CycleStageComplete, err)
		return err
	}

	obsmetrics.Scheduler().IncBillingCycleTransition(
		string(billingcycledomain.BillingCycleStatusProcessing),
		string(billingcycledomain.BillingCycleStatusCompleted),
	)
	p.metrics.RecordCycleCompleted(ctx, string(att.subscription.BillingInterval))

	result.Outcome = OutcomeCompleted
	result.OrderID = order.ID
	result.NextCycleID = nextID
	return nil
}

// fail compensates the materialized order and records the failed transition
// with its retry schedule. Orders behind a captured or pending charge are kept
// for the next attempt to settle against.
func (p *Processor) fail(ctx context.Context, att *attempt, stepErr error, result *Result) error {
	ctx, cancel := settleContext(ctx)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	policy := p.policy.Get()
	cycle := att.cycle
	reason := failureReason(stepErr)

	var keepOrderID *snowflake.ID
	if order := att.order(); order != nil {
		id := order.ID
		if att.captured || att.pending {
			keepOrderID = &id
		} else {
			// a superseded worker must not delete the order its successor reuses
			if err := p.cycles.RenewClaim(ctx, p.db, cycle.ID, cycle.AttemptCount, p.clock.Now()); err != nil {
				schedMetrics.IncBillingCycleError(obsmetrics.CycleStageFail, err)
				return err
			}
			if err := p.rollback(ctx, order.ID); err != nil {
				keepOrderID = &id
				reason = reason + "; " + billingcycledomain.ErrRollbackFailed.Error()
				stepErr = errors.Join(stepErr, fmt.Errorf("%w: %w", billingcycledomain.ErrRollbackFailed, err))
			}
		}
	}

	terminal := billingcycledomain.IsTerminal(stepErr)
	exhausted := terminal || cycle.AttemptCount >= policy.MaxAttempts
	if exhausted && !terminal {
		reason = billingcycledomain.ErrMaxAttemptsExceeded.Error() + ": " + reason
		stepErr = errors.Join(billingcycledomain.ErrMaxAttemptsExceeded, stepErr)
	}

	var nextAttemptAt *time.Time
	if !exhausted {
		retryAt := backoff.NewSchedule(policy.BackoffDays).NextRetryAt(cycle.AttemptCount, att.startedAt)
		nextAttemptAt = &retryAt
	}

	now := p.clock.Now()
	patch := billingcycledomain.FailedPatch(truncateReason(reason), nextAttemptAt, exhausted, keepOrderID, now).
		Fenced(cycle.AttemptCount)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.cycles.UpdateStatus(ctx, tx, cycle.ID, billingcycledomain.BillingCycleStatusProcessing, patch); err != nil {
			return err
		}
		if att.subscription == nil {
			return nil
		}
		return p.subscriptions.IncrementRetryCount(ctx, tx, att.subscription.ID, now)
	})
	if err != nil {
		schedMetrics.IncBillingCycleError(obsmetrics.CycleStageFail, err)
		return err
	}

	schedMetrics.IncBillingCycleTransition(
		string(billingcycledomain.BillingCycleStatusProcessing),
		string(billingcycledomain.BillingCycleStatusFailed),
	)
	if exhausted {
		schedMetrics.IncCycleExhausted()
	}
	p.metrics.RecordCycleFailed(ctx, reasonCode(stepErr), exhausted)

	result.Outcome = OutcomeFailed
	if exhausted {
		result.Outcome = OutcomeExhausted
	}
	if keepOrderID != nil {
		result.OrderID = *keepOrderID
	}
	result.Reason = *patch.FailureReason
	result.Err = stepErr
	return nil
}

func (p *Processor) rollback(ctx context.Context, orderID snowflake.ID) error {
	ctx, span := p.tracer.Start(ctx, "billing.rollback_order",
		trace.WithAttributes(attribute.String("order_id", orderID.String())),
	)
	defer span.End()

	err := p.orders.Delete(ctx, orderID)
	if err != nil && errors.Is(err, orderdomain.ErrOrderNotFound) {
		err = nil
	}
	p.metrics.RecordOrderRollback(ctx, err == nil)
	if err != nil {
		recordSpanError(span, err)
		obsmetrics.Scheduler().IncRollbackFailure()
		obsmetrics.Scheduler().IncBillingCycleError(obsmetrics.CycleStageRollback, err)
		obslogger.WithContext(ctx, p.log).Error("order rollback failed",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func nextCycleFor(id snowflake.ID, cycle *billingcycledomain.BillingCycle, subscription *subscriptiondomain.Subscription, next period.Period) billingcycledomain.NextCycle {
	return billingcycledomain.NextCycle{
		ID:             id,
		TenantID:       cycle.TenantID,
		SubscriptionID: cycle.SubscriptionID,
		PeriodStart:    next.Start,
		PeriodEnd:      next.End,
		Totals: billingcycledomain.Totals{
			Subtotal: subscription.Subtotal,
			TaxTotal: subscription.TaxTotal,
			Total:    subscription.Total,
		},
	}
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// settleContext keeps the caller's values but not its deadline, so an attempt
// that already reached the provider still records its outcome.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// truncateReason caps reason at maxFailureReasonLength bytes without
// splitting a multi-byte rune.
func truncateReason(reason string) string {
	if len(reason) <= maxFailureReasonLength {
		return reason
	}
	cut := maxFailureReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
