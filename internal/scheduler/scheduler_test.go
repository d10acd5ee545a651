package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/recurring/internal/billing"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	billingcyclerepo "github.com/smallbiznis/recurring/internal/billingcycle/repository"
	"github.com/smallbiznis/recurring/internal/clock"
	"github.com/smallbiznis/recurring/internal/config"
	customerrepo "github.com/smallbiznis/recurring/internal/customer/repository"
	customerservice "github.com/smallbiznis/recurring/internal/customer/service"
	obsmetrics "github.com/smallbiznis/recurring/internal/observability/metrics"
	orderrepo "github.com/smallbiznis/recurring/internal/order/repository"
	orderservice "github.com/smallbiznis/recurring/internal/order/service"
	paymentdomain "github.com/smallbiznis/recurring/internal/payment/domain"
	subscriptionrepo "github.com/smallbiznis/recurring/internal/subscription/repository"
	"github.com/smallbiznis/recurring/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var periodStart = time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Capture(ctx context.Context, req paymentdomain.CaptureRequest) (paymentdomain.CaptureResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(paymentdomain.CaptureResult), args.Error(1)
}

// panickyProcessor blows up on one cycle and delegates the rest.
type panickyProcessor struct {
	CycleProcessor
	panicOn snowflake.ID
}

func (p *panickyProcessor) Process(ctx context.Context, cycleID snowflake.ID) (billing.Result, error) {
	if cycleID == p.panicOn {
		panic("order service exploded")
	}
	return p.CycleProcessor.Process(ctx, cycleID)
}

type harness struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	payments  *mockPayments
	cycles    billingcycledomain.Repository
	processor *billing.Processor
	sched     *Scheduler
	registry  *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config, locker *TickLocker) *harness {
	t.Helper()
	registry := isolateMetrics(t)

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(periodStart.Add(time.Hour))
	log := zap.NewNop()

	policy, err := config.NewStaticPolicyHolder(config.BillingPolicy{
		MaxAttempts:          3,
		BackoffDays:          []int{1, 3, 7},
		StaleProcessingAfter: time.Hour,
	})
	require.NoError(t, err)

	payments := &mockPayments{}
	payments.On("Capture", mock.Anything, mock.Anything).Return(paymentdomain.CaptureResult{
		Status:            paymentdomain.CaptureStatusSucceeded,
		Provider:          "stripe",
		ProviderReference: "pi_123",
	}, nil).Maybe()

	cycles := billingcyclerepo.Provide()
	processor, err := billing.NewProcessor(billing.Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         fakeClock,
		Policy:        policy,
		Cycles:        cycles,
		Subscriptions: subscriptionrepo.Provide(),
		Customers:     customerservice.New(customerservice.Params{DB: db, Log: log, Repo: customerrepo.Provide()}),
		Orders: orderservice.New(orderservice.Params{
			DB:    db,
			Log:   log,
			GenID: node,
			Clock: fakeClock,
			Repo:  orderrepo.Provide(),
		}),
		Payments: payments,
	})
	require.NoError(t, err)

	sched, err := New(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     fakeClock,
		Policy:    policy,
		Cycles:    cycles,
		Processor: processor,
		Locker:    locker,
		Config:    cfg,
	})
	require.NoError(t, err)

	return &harness{
		db:        db,
		node:      node,
		clock:     fakeClock,
		payments:  payments,
		cycles:    cycles,
		processor: processor,
		sched:     sched,
		registry:  registry,
	}
}

func (h *harness) seed(t *testing.T, opts ...testutil.FixtureOption) testutil.Fixture {
	t.Helper()
	return testutil.SeedSubscription(t, h.db, h.node, periodStart, opts...)
}

func (h *harness) cycle(t *testing.T, id snowflake.ID) *billingcycledomain.BillingCycle {
	t.Helper()
	cycle, err := h.cycles.FindByID(context.Background(), h.db, id)
	require.NoError(t, err)
	return cycle
}

func (h *harness) countCycles(t *testing.T, subscriptionID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&billingcycledomain.BillingCycle{}).Where("subscription_id = ?", subscriptionID).Count(&count).Error)
	return count
}

func (h *harness) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	all := map[string]string{"service": "recurring", "env": "test"}
	for k, v := range labels {
		all[k] = v
	}
	return getCounterValue(t, h.registry, name, all)
}

func TestProcessDueDispatchesEachCycleIndependently(t *testing.T) {
	h := newHarness(t, Config{Workers: 2}, nil)
	ctx := context.Background()

	first := h.seed(t)
	orphaned := h.seed(t, testutil.WithoutCustomer())
	third := h.seed(t)
	later := h.seed(t)
	testutil.MakeDue(t, h.db, later.Cycle.ID, h.clock.Now().Add(24*time.Hour))

	report, err := h.sched.ProcessDue(ctx, h.clock.Now(), 10)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Errored)
	assert.True(t, report.Partial())

	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, first.Cycle.ID).Status)
	assert.Equal(t, billingcycledomain.BillingCycleStatusFailed, h.cycle(t, orphaned.Cycle.ID).Status)
	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, third.Cycle.ID).Status)
	assert.Equal(t, billingcycledomain.BillingCycleStatusUpcoming, h.cycle(t, later.Cycle.ID).Status)
	assert.Zero(t, h.cycle(t, later.Cycle.ID).AttemptCount)

	labels := map[string]string{"job": JobProcessDueCycles, "outcome": string(unitSucceeded)}
	assert.Equal(t, float64(2), h.counter(t, "recurring_scheduler_batch_processed_total", labels))
	labels["outcome"] = string(unitFailed)
	assert.Equal(t, float64(1), h.counter(t, "recurring_scheduler_batch_processed_total", labels))
}

func TestProcessDueDrainsInBatches(t *testing.T) {
	h := newHarness(t, Config{Workers: 3}, nil)

	var fixtures []testutil.Fixture
	for i := 0; i < 5; i++ {
		fixtures = append(fixtures, h.seed(t))
	}

	report, err := h.sched.ProcessDue(context.Background(), h.clock.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 5, report.Succeeded)
	assert.False(t, report.Partial())

	for _, f := range fixtures {
		assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, f.Cycle.ID).Status)
		assert.Equal(t, int64(2), h.countCycles(t, f.Subscription.ID))
	}

	again, err := h.sched.ProcessDue(context.Background(), h.clock.Now(), 2)
	require.NoError(t, err)
	assert.Zero(t, again.Scanned)
}

func TestPanickingUnitDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, Config{Workers: 2}, nil)

	first := h.seed(t)
	broken := h.seed(t)
	third := h.seed(t)
	h.sched.processor = &panickyProcessor{CycleProcessor: h.processor, panicOn: broken.Cycle.ID}

	report, err := h.sched.ProcessDue(context.Background(), h.clock.Now(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, obsmetrics.ErrPartialBatch)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Errored)

	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, first.Cycle.ID).Status)
	assert.Equal(t, billingcycledomain.BillingCycleStatusUpcoming, h.cycle(t, broken.Cycle.ID).Status)
	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, third.Cycle.ID).Status)

	assert.Equal(t, float64(1), h.counter(t, "recurring_scheduler_unit_panics_total", map[string]string{"job": JobProcessDueCycles}))
}

func TestRunOnceRetriesFailedCycleAfterBackoff(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	f := h.seed(t, testutil.WithoutCustomer())
	startedAt := h.clock.Now()

	require.NoError(t, h.sched.RunOnce(ctx))
	failed := h.cycle(t, f.Cycle.ID)
	require.Equal(t, billingcycledomain.BillingCycleStatusFailed, failed.Status)
	require.NotNil(t, failed.NextAttemptAt)
	assert.True(t, failed.NextAttemptAt.Equal(startedAt.Add(24*time.Hour)))

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Equal(t, billingcycledomain.BillingCycleStatusFailed, h.cycle(t, f.Cycle.ID).Status)
	assert.Equal(t, 1, h.cycle(t, f.Cycle.ID).AttemptCount)

	customer := f.Customer
	customer.ID = f.Subscription.CustomerID
	require.NoError(t, h.db.Create(&customer).Error)

	h.clock.Set(startedAt.Add(24 * time.Hour))
	require.NoError(t, h.sched.RunOnce(ctx))

	retried := h.cycle(t, f.Cycle.ID)
	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, retried.Status)
	assert.Equal(t, 2, retried.AttemptCount)
	assert.Equal(t, int64(2), h.countCycles(t, f.Subscription.ID))
}

func TestRecoverySweepReleasesStaleCycles(t *testing.T) {
	h := newHarness(t, Config{EnabledJobs: []string{JobRecoverySweep}}, nil)
	ctx := context.Background()

	crashed := h.seed(t)
	spent := h.seed(t)
	fresh := h.seed(t)
	now := h.clock.Now()
	markProcessing(t, h.db, crashed.Cycle.ID, 1, now.Add(-2*time.Hour))
	markProcessing(t, h.db, spent.Cycle.ID, 3, now.Add(-2*time.Hour))
	markProcessing(t, h.db, fresh.Cycle.ID, 1, now.Add(-10*time.Minute))

	require.NoError(t, h.sched.RunOnce(ctx))

	released := h.cycle(t, crashed.Cycle.ID)
	assert.Equal(t, billingcycledomain.BillingCycleStatusUpcoming, released.Status)
	assert.Equal(t, 1, released.AttemptCount)

	exhausted := h.cycle(t, spent.Cycle.ID)
	assert.Equal(t, billingcycledomain.BillingCycleStatusFailed, exhausted.Status)
	assert.NotNil(t, exhausted.ExhaustedAt)
	require.NotNil(t, exhausted.FailureReason)
	assert.Equal(t, billingcycledomain.ErrStaleProcessing.Error(), *exhausted.FailureReason)

	assert.Equal(t, billingcycledomain.BillingCycleStatusProcessing, h.cycle(t, fresh.Cycle.ID).Status)
}

func TestRecoverySweepRecreatesMissingSuccessor(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	f := h.seed(t)
	result, err := h.processor.Process(ctx, f.Cycle.ID)
	require.NoError(t, err)
	require.Equal(t, billing.OutcomeCompleted, result.Outcome)

	require.NoError(t, h.db.Exec(`DELETE FROM billing_cycles WHERE id = ?`, result.NextCycleID).Error)
	require.Equal(t, int64(1), h.countCycles(t, f.Subscription.ID))

	require.NoError(t, h.sched.RecoverySweepJob(ctx))
	assert.Equal(t, int64(2), h.countCycles(t, f.Subscription.ID))

	require.NoError(t, h.sched.RecoverySweepJob(ctx))
	assert.Equal(t, int64(2), h.countCycles(t, f.Subscription.ID))
}

func TestTickLockSkipsOverlappingTick(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, Config{}, NewTickLocker(client))
	ctx := context.Background()
	f := h.seed(t)

	require.NoError(t, mr.Set(tickLockKey, "other-replica"))
	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Equal(t, billingcycledomain.BillingCycleStatusUpcoming, h.cycle(t, f.Cycle.ID).Status)

	_, err := h.sched.TriggerDueScan(ctx, time.Time{}, 0)
	assert.ErrorIs(t, err, ErrTickInProgress)
	assert.Equal(t, float64(2), h.counter(t, "recurring_scheduler_tick_lock_total", map[string]string{"job": tickJob, "outcome": obsmetrics.TickLockSkipped}))

	mr.Del(tickLockKey)
	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, f.Cycle.ID).Status)
	assert.False(t, mr.Exists(tickLockKey))
	assert.Equal(t, float64(1), h.counter(t, "recurring_scheduler_tick_lock_total", map[string]string{"job": tickJob, "outcome": obsmetrics.TickLockAcquired}))
}

func TestTickRunsUnlockedWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, Config{}, NewTickLocker(client))
	f := h.seed(t)
	mr.Close()

	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, f.Cycle.ID).Status)
	assert.Equal(t, float64(1), h.counter(t, "recurring_scheduler_tick_lock_total", map[string]string{"job": tickJob, "outcome": obsmetrics.TickLockError}))
}

func TestTriggerDueScanUsesAsOf(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	f := h.seed(t)
	testutil.MakeDue(t, h.db, f.Cycle.ID, h.clock.Now().Add(48*time.Hour))

	report, err := h.sched.TriggerDueScan(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	report, err = h.sched.TriggerDueScan(ctx, h.clock.Now().Add(72*time.Hour), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, billingcycledomain.BillingCycleStatusCompleted, h.cycle(t, f.Cycle.ID).Status)
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{cfg: Config{}}
	assert.True(t, s.isJobEnabled(JobProcessDueCycles))

	s.cfg.EnabledJobs = []string{"PROCESS_DUE_CYCLES"}
	assert.True(t, s.isJobEnabled(JobProcessDueCycles))
	assert.False(t, s.isJobEnabled(JobRecoverySweep))
}

func TestNewRejectsBadTrigger(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	base := Params{
		DB:        h.db,
		Log:       zap.NewNop(),
		GenID:     h.node,
		Clock:     h.clock,
		Policy:    h.sched.policy,
		Cycles:    h.cycles,
		Processor: h.processor,
	}

	base.Config = Config{Trigger: TriggerCron, CronSpec: "every tuesday"}
	_, err := New(base)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	base.Config = Config{Trigger: "webhook"}
	_, err = New(base)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	base.Config = Config{Trigger: TriggerCron, CronSpec: "0 * * * *"}
	_, err = New(base)
	assert.NoError(t, err)

	_, err = New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunCronStopsWithContext(t *testing.T) {
	h := newHarness(t, Config{Trigger: TriggerCron, CronSpec: "@every 1h", RunOnStartup: true}, nil)
	f := h.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		var status string
		h.db.Raw(`SELECT status FROM billing_cycles WHERE id = ?`, f.Cycle.ID).Scan(&status)
		return status == string(billingcycledomain.BillingCycleStatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cron trigger did not stop")
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := isolateMetrics(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{"service": "recurring", "env": "test", "job": "timeout_job"}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "recurring_scheduler_job_timeouts_total", labels))

	labels["reason"] = obsmetrics.SchedulerJobReasonDeadlineExceeded
	assert.Equal(t, float64(1), getCounterValue(t, registry, "recurring_scheduler_job_errors_total", labels))
}

func markProcessing(t *testing.T, db *gorm.DB, cycleID snowflake.ID, attempts int, lastAttemptAt time.Time) {
	t.Helper()
	err := db.Exec(
		`UPDATE billing_cycles SET status = ?, attempt_count = ?, last_attempt_at = ? WHERE id = ?`,
		billingcycledomain.BillingCycleStatusProcessing, attempts, lastAttemptAt.UTC(), cycleID,
	).Error
	require.NoError(t, err)
}

func isolateMetrics(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "recurring",
		Environment: "test",
	})
	return registry
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
