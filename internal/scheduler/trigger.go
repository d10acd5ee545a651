package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunCron fires RunOnce on the configured cron schedule until ctx is done.
// A tick still running when the next one fires is skipped.
func (s *Scheduler) RunCron(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{log: s.log.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{log: s.log.Sugar()})),
	)

	_, err := c.AddFunc(s.cfg.CronSpec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.cfg.CronSpec, err)
	}

	if s.cfg.RunOnStartup {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
	}

	c.Start()
	s.log.Info("scheduler cron started", zap.String("spec", s.cfg.CronSpec))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Run starts the configured trigger and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.Trigger == TriggerCron {
		return s.RunCron(ctx)
	}
	s.RunForever(ctx)
	return nil
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
