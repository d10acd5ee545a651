package scheduler

import (
	"time"

	"github.com/smallbiznis/recurring/internal/config"
)

const (
	TriggerInterval = "interval"
	TriggerCron     = "cron"
)

// Config controls scheduler cadence, batch sizes and worker fan-out.
type Config struct {
	Trigger      string
	RunInterval  time.Duration
	CronSpec     string
	BatchSize    int
	Workers      int
	JobTimeout   time.Duration
	EnabledJobs  []string
	TickLockTTL  time.Duration
	RunOnStartup bool
}

func DefaultConfig() Config {
	return Config{
		Trigger:      TriggerInterval,
		RunInterval:  time.Hour,
		BatchSize:    100,
		Workers:      4,
		JobTimeout:   5 * time.Minute,
		TickLockTTL:  10 * time.Minute,
		RunOnStartup: true,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Trigger == "" {
		c.Trigger = defaults.Trigger
	}
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.TickLockTTL <= 0 {
		c.TickLockTTL = defaults.TickLockTTL
	}
	return c
}

// ProvideConfig maps the process environment onto scheduler settings.
func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	return Config{
		Trigger:      sc.Trigger,
		RunInterval:  sc.Interval,
		CronSpec:     sc.CronSpec,
		BatchSize:    sc.BatchSize,
		Workers:      sc.Workers,
		JobTimeout:   sc.JobTimeout,
		EnabledJobs:  sc.EnabledJobs,
		TickLockTTL:  sc.TickLockTTL,
		RunOnStartup: sc.RunOnStartup,
	}.withDefaults()
}
