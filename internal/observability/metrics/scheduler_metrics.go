package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypePayment          = "payment"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonPartialBatch         = "partial_batch"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonLockHeld = "tick_lock_held"
	SchedulerBatchDeferredReasonEmpty    = "nothing_due"
)

const (
	CycleStageLoad           = "load"
	CycleStageMarkProcessing = "mark_processing"
	CycleStageMaterialize    = "materialize"
	CycleStageCapture        = "capture"
	CycleStageComplete       = "complete"
	CycleStageFail           = "fail"
	CycleStageRollback       = "rollback"
	CycleStageRequeue        = "requeue"
	CycleStageStaleSweep     = "stale_sweep"
	CycleStageReconcile      = "reconcile"
)

const (
	TickLockAcquired = "acquired"
	TickLockSkipped  = "skipped"
	TickLockError    = "error"
)

var cycleStages = []string{
	CycleStageLoad,
	CycleStageMarkProcessing,
	CycleStageMaterialize,
	CycleStageCapture,
	CycleStageComplete,
	CycleStageFail,
	CycleStageRollback,
	CycleStageRequeue,
	CycleStageStaleSweep,
	CycleStageReconcile,
}

// SchedulerMetrics captures recurring billing health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	cycleTransitions *prometheus.CounterVec
	cycleErrors      *prometheus.CounterVec
	cyclesExhausted  prometheus.Counter
	rollbackFailures prometheus.Counter
	unitPanics       *prometheus.CounterVec
	tickLock         *prometheus.CounterVec
	transitionCounts map[string]map[string]prometheus.Counter
	cycleErrorCounts map[string]map[string]prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "recurring"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "recurring_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency per tick.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_scheduler_job_timeouts_total",
		Help:        "Scheduler job runs that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_scheduler_batch_processed_total",
		Help:        "Billing cycles handled per job and outcome.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_scheduler_batch_deferred_total",
		Help:        "Scheduler ticks that did no work, by reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "recurring_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	cycleTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_billing_cycle_transition_total",
		Help:        "Billing cycle status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	cycleErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_billing_cycle_error_total",
		Help:        "Billing cycle errors by stage and type.",
		ConstLabels: constLabels,
	}, []string{"stage", "error_type"})
	cyclesExhausted := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "recurring_billing_cycle_exhausted_total",
		Help:        "Billing cycles that ran out of attempts and need manual intervention.",
		ConstLabels: constLabels,
	})
	rollbackFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "recurring_order_rollback_failures_total",
		Help:        "Draft orders that could not be deleted after a failed attempt.",
		ConstLabels: constLabels,
	})
	unitPanics := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_scheduler_unit_panics_total",
		Help:        "Recovered panics inside a per-cycle work unit.",
		ConstLabels: constLabels,
	}, []string{"job"})
	tickLock := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recurring_scheduler_tick_lock_total",
		Help:        "Distributed tick lock outcomes.",
		ConstLabels: constLabels,
	}, []string{"job", "outcome"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		cycleTransitions,
		cycleErrors,
		cyclesExhausted,
		rollbackFailures,
		unitPanics,
		tickLock,
	)

	upcoming := string(billingcycledomain.BillingCycleStatusUpcoming)
	processing := string(billingcycledomain.BillingCycleStatusProcessing)
	completed := string(billingcycledomain.BillingCycleStatusCompleted)
	failed := string(billingcycledomain.BillingCycleStatusFailed)
	transitionCounts := map[string]map[string]prometheus.Counter{
		upcoming: {
			processing: cycleTransitions.WithLabelValues(upcoming, processing),
		},
		processing: {
			completed: cycleTransitions.WithLabelValues(processing, completed),
			failed:    cycleTransitions.WithLabelValues(processing, failed),
			upcoming:  cycleTransitions.WithLabelValues(processing, upcoming),
		},
		failed: {
			upcoming: cycleTransitions.WithLabelValues(failed, upcoming),
		},
	}

	cycleErrorCounts := map[string]map[string]prometheus.Counter{}
	errorTypes := []string{
		SchedulerErrorTypeDeadlineExceeded,
		SchedulerErrorTypeBusinessRule,
		SchedulerErrorTypePayment,
		SchedulerErrorTypeDB,
	}
	for _, stage := range cycleStages {
		stageCounters := map[string]prometheus.Counter{}
		for _, errType := range errorTypes {
			stageCounters[errType] = cycleErrors.WithLabelValues(stage, errType)
		}
		cycleErrorCounts[stage] = stageCounters
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		cycleTransitions: cycleTransitions,
		cycleErrors:      cycleErrors,
		cyclesExhausted:  cyclesExhausted,
		rollbackFailures: rollbackFailures,
		unitPanics:       unitPanics,
		tickLock:         tickLock,
		transitionCounts: transitionCounts,
		cycleErrorCounts: cycleErrorCounts,
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed counts cycles handled by a job with the given outcome.
func (m *SchedulerMetrics) AddBatchProcessed(job, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, outcome).Add(float64(count))
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncBillingCycleTransition increments billing cycle transition counters.
func (m *SchedulerMetrics) IncBillingCycleTransition(from, to string) {
	if m == nil {
		return
	}
	if toCounters, ok := m.transitionCounts[from]; ok {
		if counter, ok := toCounters[to]; ok {
			counter.Inc()
			return
		}
	}
	m.cycleTransitions.WithLabelValues(from, to).Inc()
}

// IncBillingCycleError increments billing cycle errors by stage and type.
func (m *SchedulerMetrics) IncBillingCycleError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	errorType := ClassifySchedulerErrorType(err)
	if stageCounters, ok := m.cycleErrorCounts[stage]; ok {
		if counter, ok := stageCounters[errorType]; ok {
			counter.Inc()
			return
		}
	}
	m.cycleErrors.WithLabelValues(stage, errorType).Inc()
}

func (m *SchedulerMetrics) IncCycleExhausted() {
	if m == nil {
		return
	}
	m.cyclesExhausted.Inc()
}

func (m *SchedulerMetrics) IncRollbackFailure() {
	if m == nil {
		return
	}
	m.rollbackFailures.Inc()
}

func (m *SchedulerMetrics) IncUnitPanic(job string) {
	if m == nil {
		return
	}
	m.unitPanics.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncTickLock(job, outcome string) {
	if m == nil {
		return
	}
	m.tickLock.WithLabelValues(job, outcome).Inc()
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isPaymentError(err) {
		return SchedulerErrorTypePayment
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if isDBLockTimeout(err) {
		return SchedulerJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return SchedulerJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return SchedulerJobReasonUniqueViolation
	}
	if errors.Is(err, ErrPartialBatch) {
		return SchedulerJobReasonPartialBatch
	}
	return SchedulerJobReasonUnknown
}

// ErrPartialBatch marks a tick where some cycles failed and others succeeded.
var ErrPartialBatch = errors.New("partial_batch")

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isPaymentError(err error) bool {
	return errors.Is(err, billingcycledomain.ErrPaymentCaptureFailed) ||
		errors.Is(err, billingcycledomain.ErrPaymentPending) ||
		errors.Is(err, paymentdomain.ErrProviderNotConfigured) ||
		errors.Is(err, paymentdomain.ErrMissingPaymentMethod)
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
