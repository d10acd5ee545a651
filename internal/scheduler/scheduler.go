package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/recurring/internal/billing"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"github.com/smallbiznis/recurring/internal/clock"
	"github.com/smallbiznis/recurring/internal/config"
	obsmetrics "github.com/smallbiznis/recurring/internal/observability/metrics"
	"github.com/smallbiznis/recurring/internal/scheduler/guard"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobProcessDueCycles  = "process_due_cycles"
	JobRetryFailedCycles = "retry_failed_cycles"
	JobRecoverySweep     = "recovery_sweep"

	tickJob = "tick"
)

var (
	ErrInvalidConfig  = errors.New("invalid_scheduler_config")
	ErrTickInProgress = errors.New("scheduler_tick_in_progress")
)

// CycleProcessor is the billing state machine as seen by the scans.
type CycleProcessor interface {
	Process(ctx context.Context, cycleID snowflake.ID) (billing.Result, error)
	Requeue(ctx context.Context, cycle billingcycledomain.BillingCycle) error
	ReleaseStale(ctx context.Context, cycle billingcycledomain.BillingCycle) (billing.Outcome, error)
	ReconcileSuccessor(ctx context.Context, cycle billingcycledomain.BillingCycle) (bool, error)
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Policy    *config.PolicyHolder
	Cycles    billingcycledomain.Repository
	Processor *billing.Processor
	Locker    *TickLocker `optional:"true"`
	Config    Config      `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.PolicyHolder
	cycles    billingcycledomain.Repository
	processor CycleProcessor
	locker    *TickLocker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Policy == nil || p.Cycles == nil || p.Processor == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	switch cfg.Trigger {
	case TriggerInterval:
	case TriggerCron:
		if _, err := cron.ParseStandard(cfg.CronSpec); err != nil {
			return nil, fmt.Errorf("%w: cron spec %q: %v", ErrInvalidConfig, cfg.CronSpec, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidConfig, cfg.Trigger)
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       cfg,
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		cycles:    p.Cycles,
		processor: p.Processor,
		locker:    p.Locker,
	}, nil
}

// BatchReport counts what a job did with the cycles it picked up.
type BatchReport struct {
	Job       string `json:"job"`
	Scanned   int    `json:"scanned"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Exhausted int    `json:"exhausted"`
	Skipped   int    `json:"skipped"`
	Errored   int    `json:"errored"`
}

// Partial reports whether any unit in the batch did not go through cleanly.
func (r BatchReport) Partial() bool {
	return r.Failed > 0 || r.Exhausted > 0 || r.Errored > 0
}

func (r *BatchReport) add(outcome unitOutcome) {
	switch outcome {
	case unitSucceeded:
		r.Succeeded++
	case unitFailed:
		r.Failed++
	case unitExhausted:
		r.Exhausted++
	case unitSkipped:
		r.Skipped++
	default:
		r.Errored++
	}
}

func (r *BatchReport) merge(other BatchReport) {
	r.Scanned += other.Scanned
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Exhausted += other.Exhausted
	r.Skipped += other.Skipped
	r.Errored += other.Errored
}

func (r BatchReport) progressed() bool {
	return r.Succeeded+r.Failed+r.Exhausted > 0
}

type unitOutcome string

const (
	unitSucceeded unitOutcome = "succeeded"
	unitFailed    unitOutcome = "failed"
	unitExhausted unitOutcome = "exhausted"
	unitSkipped   unitOutcome = "skipped"
	unitErrored   unitOutcome = "errored"
)

type unitFunc func(ctx context.Context, cycle billingcycledomain.BillingCycle) (unitOutcome, error)

type fetchFunc func(ctx context.Context, limit int) ([]billingcycledomain.BillingCycle, error)

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if _, errCount := run.counts(); err != nil && errCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout; unfinished cycles are picked up next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs one tick: recovery first so released cycles are due again,
// then the retry requeue, then the due scan.
func (s *Scheduler) RunOnce(parent context.Context) error {
	release, ok := s.acquireTick(parent)
	if !ok {
		return nil
	}
	defer release()

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobRecoverySweep, s.isJobEnabled(JobRecoverySweep), s.RecoverySweepJob},
		{JobRetryFailedCycles, s.isJobEnabled(JobRetryFailedCycles), s.RetryFailedCyclesJob},
		{JobProcessDueCycles, s.isJobEnabled(JobProcessDueCycles), s.ProcessDueCyclesJob},
	}

	var err error
	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
		}
	}
	return err
}

// TriggerDueScan runs one due scan outside the regular cadence. It refuses
// to overlap a tick that holds the lock.
func (s *Scheduler) TriggerDueScan(ctx context.Context, asOf time.Time, batchSize int) (BatchReport, error) {
	release, ok := s.acquireTick(ctx)
	if !ok {
		return BatchReport{Job: JobProcessDueCycles}, ErrTickInProgress
	}
	defer release()

	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	var report BatchReport
	err := s.runJob(ctx, JobProcessDueCycles, batchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
		var scanErr error
		report, scanErr = s.ProcessDue(ctx, asOf, batchSize)
		return scanErr
	})
	return report, err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	if !s.cfg.RunOnStartup {
		nextRun = nextRun.Add(s.cfg.RunInterval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs on this replica.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) ProcessDueCyclesJob(ctx context.Context) error {
	_, err := s.ProcessDue(ctx, s.clock.Now(), s.cfg.BatchSize)
	return err
}

// ProcessDue dispatches the state machine for every cycle due at asOf. Only a
// failing due query aborts the scan; unit failures are counted and joined.
func (s *Scheduler) ProcessDue(ctx context.Context, asOf time.Time, batchSize int) (BatchReport, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	ctx, run, owner := s.ensureJobRun(ctx, JobProcessDueCycles, batchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	fetch := func(ctx context.Context, limit int) ([]billingcycledomain.BillingCycle, error) {
		return s.cycles.FindDue(ctx, s.db, asOf, limit)
	}
	return s.drain(ctx, run, JobProcessDueCycles, batchSize, fetch, func(ctx context.Context, cycle billingcycledomain.BillingCycle) (unitOutcome, error) {
		if err := guard.EnsureCycleDue(cycle.Status, cycle.BillingDate, asOf); err != nil {
			s.logCycleSkipped(ctx, JobProcessDueCycles, cycle, err)
			return unitSkipped, nil
		}
		result, err := s.processor.Process(ctx, cycle.ID)
		if err != nil {
			if billing.IsSkipped(err) {
				s.logCycleSkipped(ctx, JobProcessDueCycles, cycle, err)
				return unitSkipped, nil
			}
			return unitErrored, err
		}
		switch result.Outcome {
		case billing.OutcomeCompleted:
			return unitSucceeded, nil
		case billing.OutcomeExhausted:
			return unitExhausted, nil
		default:
			return unitFailed, nil
		}
	})
}

// RetryFailedCyclesJob moves failed cycles whose backoff has elapsed back
// into the due set.
func (s *Scheduler) RetryFailedCyclesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetryFailedCycles, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	maxAttempts := s.policy.Get().MaxAttempts
	fetch := func(ctx context.Context, limit int) ([]billingcycledomain.BillingCycle, error) {
		return s.cycles.FindFailedDueForRetry(ctx, s.db, now, maxAttempts, limit)
	}
	_, err := s.drain(ctx, run, JobRetryFailedCycles, s.cfg.BatchSize, fetch, func(ctx context.Context, cycle billingcycledomain.BillingCycle) (unitOutcome, error) {
		if err := guard.EnsureCycleRetryable(cycle, now, maxAttempts); err != nil {
			s.logCycleSkipped(ctx, JobRetryFailedCycles, cycle, err)
			return unitSkipped, nil
		}
		if err := s.processor.Requeue(ctx, cycle); err != nil {
			if billing.IsSkipped(err) {
				s.logCycleSkipped(ctx, JobRetryFailedCycles, cycle, err)
				return unitSkipped, nil
			}
			return unitErrored, err
		}
		return unitSucceeded, nil
	})
	return err
}

// RecoverySweepJob releases cycles left in processing by a dead worker and
// creates successors that a completed cycle is missing.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverySweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	cutoff := s.clock.Now().Add(-s.policy.Get().StaleProcessingAfter)
	staleFetch := func(ctx context.Context, limit int) ([]billingcycledomain.BillingCycle, error) {
		return s.cycles.FindStaleProcessing(ctx, s.db, cutoff, limit)
	}
	_, staleErr := s.drain(ctx, run, JobRecoverySweep, s.cfg.BatchSize, staleFetch, func(ctx context.Context, cycle billingcycledomain.BillingCycle) (unitOutcome, error) {
		if err := guard.EnsureCycleStale(cycle.Status, cycle.LastAttemptAt, cutoff); err != nil {
			s.logCycleSkipped(ctx, JobRecoverySweep, cycle, err)
			return unitSkipped, nil
		}
		outcome, err := s.processor.ReleaseStale(ctx, cycle)
		if err != nil {
			if billing.IsSkipped(err) {
				s.logCycleSkipped(ctx, JobRecoverySweep, cycle, err)
				return unitSkipped, nil
			}
			return unitErrored, err
		}
		if outcome == billing.OutcomeExhausted {
			return unitExhausted, nil
		}
		return unitSucceeded, nil
	})

	orphanFetch := func(ctx context.Context, limit int) ([]billingcycledomain.BillingCycle, error) {
		return s.cycles.FindCompletedWithoutSuccessor(ctx, s.db, limit)
	}
	_, orphanErr := s.drain(ctx, run, JobRecoverySweep, s.cfg.BatchSize, orphanFetch, func(ctx context.Context, cycle billingcycledomain.BillingCycle) (unitOutcome, error) {
		if err := guard.EnsureCycleCompleted(cycle.Status); err != nil {
			return unitSkipped, nil
		}
		created, err := s.processor.ReconcileSuccessor(ctx, cycle)
		if err != nil {
			return unitErrored, err
		}
		if !created {
			return unitSkipped, nil
		}
		return unitSucceeded, nil
	})

	return errors.Join(staleErr, orphanErr)
}

// drain fetches and dispatches batches until the source runs dry or a batch
// changes nothing. Cycles a batch skips stay in the source, so a batch
// without progress would be fetched again unchanged.
func (s *Scheduler) drain(
	ctx context.Context,
	run *jobRun,
	job string,
	batchSize int,
	fetch fetchFunc,
	fn unitFunc,
) (BatchReport, error) {
	report := BatchReport{Job: job}
	var jobErr error

	for {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(jobErr, err)
		}

		cycles, err := fetch(ctx, batchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.fetch.failed", job, err)
			return report, errors.Join(jobErr, fmt.Errorf("fetch %s batch: %w", job, err))
		}
		if len(cycles) == 0 {
			if report.Scanned == 0 {
				obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonEmpty)
			}
			break
		}

		batch, batchErr := s.dispatch(ctx, run, job, cycles, fn)
		report.merge(batch)
		jobErr = errors.Join(jobErr, batchErr)
		if len(cycles) < batchSize || !batch.progressed() {
			break
		}
	}
	return report, jobErr
}

// dispatch runs fn for each cycle on a bounded pool. A unit that errors or
// panics is counted and never stops the rest of the batch.
func (s *Scheduler) dispatch(
	ctx context.Context,
	run *jobRun,
	job string,
	cycles []billingcycledomain.BillingCycle,
	fn unitFunc,
) (BatchReport, error) {
	report := BatchReport{Job: job, Scanned: len(cycles)}
	var (
		mu   sync.Mutex
		errs []error
	)

	workers := pool.New().WithMaxGoroutines(s.cfg.Workers)
	for _, cycle := range cycles {
		workers.Go(func() {
			outcome, err := s.runUnit(ctx, run, job, cycle, fn)
			mu.Lock()
			defer mu.Unlock()
			report.add(outcome)
			if err != nil {
				errs = append(errs, fmt.Errorf("cycle %s: %w", cycle.ID, err))
			}
		})
	}
	workers.Wait()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(job, string(unitSucceeded), report.Succeeded)
	schedMetrics.AddBatchProcessed(job, string(unitFailed), report.Failed)
	schedMetrics.AddBatchProcessed(job, string(unitExhausted), report.Exhausted)
	schedMetrics.AddBatchProcessed(job, string(unitSkipped), report.Skipped)
	schedMetrics.AddBatchProcessed(job, string(unitErrored), report.Errored)
	run.AddProcessed(report.Succeeded + report.Failed + report.Exhausted)

	if len(errs) == 0 {
		return report, nil
	}
	partial := fmt.Errorf("%w: %d of %d cycles errored", obsmetrics.ErrPartialBatch, len(errs), len(cycles))
	return report, errors.Join(append([]error{partial}, errs...)...)
}

func (s *Scheduler) runUnit(
	ctx context.Context,
	run *jobRun,
	job string,
	cycle billingcycledomain.BillingCycle,
	fn unitFunc,
) (outcome unitOutcome, err error) {
	ctx = withCycleContext(ctx, cycle)

	var catcher panics.Catcher
	catcher.Try(func() {
		outcome, err = fn(ctx, cycle)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		obsmetrics.Scheduler().IncUnitPanic(job)
		err = recovered.AsError()
		s.logSchedulerError(ctx, run, "scheduler.unit.panic", job, err, zap.ByteString("stack", recovered.Stack))
		return unitErrored, err
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.unit.failed", job, err)
		return unitErrored, err
	}
	return outcome, nil
}

// acquireTick takes the cross-replica tick lock. Without redis every tick
// proceeds; on a redis error the tick proceeds unlocked and relies on the
// conditional claims.
func (s *Scheduler) acquireTick(ctx context.Context) (func(), bool) {
	noop := func() {}
	if s.locker == nil {
		return noop, true
	}
	schedMetrics := obsmetrics.Scheduler()

	token, ok, err := s.locker.TryLock(ctx, s.cfg.TickLockTTL)
	if err != nil {
		schedMetrics.IncTickLock(tickJob, obsmetrics.TickLockError)
		s.log.Warn("tick lock unavailable, running unlocked", zap.Error(err))
		return noop, true
	}
	if !ok {
		schedMetrics.IncTickLock(tickJob, obsmetrics.TickLockSkipped)
		schedMetrics.IncBatchDeferred(tickJob, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Info("tick skipped, lock held by another replica")
		return nil, false
	}
	schedMetrics.IncTickLock(tickJob, obsmetrics.TickLockAcquired)

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, token); err != nil {
			s.log.Warn("failed to release tick lock", zap.Error(err))
		}
	}, true
}
