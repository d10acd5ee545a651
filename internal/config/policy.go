package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	ErrMaxAttemptsRequired = errors.New("billing.maxAttempts is required")
	ErrInvalidPolicy       = errors.New("invalid billing policy")
)

// BillingPolicy holds the retry knobs operators tune without a redeploy.
type BillingPolicy struct {
	MaxAttempts          int
	BackoffDays          []int
	StaleProcessingAfter time.Duration
}

func DefaultBackoffDays() []int {
	return []int{1, 3, 7}
}

const DefaultStaleProcessingAfter = time.Hour

type PolicyHolder struct {
	current atomic.Value // holds BillingPolicy
	log     *zap.Logger
}

// NewPolicyHolder reads billing.yml from the usual locations. There is no
// default for billing.maxAttempts; startup fails without it.
func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()
	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/recurring/config")
	v.AddConfigPath("/etc/recurring")
	v.AddConfigPath(".")
	return newPolicyHolder(v, log, true)
}

// NewPolicyHolderFromFile reads the policy from an explicit file path.
func NewPolicyHolderFromFile(path string, log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newPolicyHolder(v, log, true)
}

func newPolicyHolder(v *viper.Viper, log *zap.Logger, watch bool) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}

	v.SetEnvPrefix("RECURRING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("billing.backoffDays", DefaultBackoffDays())
	v.SetDefault("billing.staleProcessingAfter", DefaultStaleProcessingAfter.String())

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fromFile = false
	}

	policy, err := readPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{log: log.Named("billing.policy")}
	holder.current.Store(policy)

	if fromFile && watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			holder.reload(v, e.Name)
		})
		v.WatchConfig()
	}

	holder.log.Info("billing policy loaded",
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Ints("backoff_days", policy.BackoffDays),
		zap.Duration("stale_processing_after", policy.StaleProcessingAfter),
	)
	return holder, nil
}

// NewStaticPolicyHolder wraps a fixed policy.
func NewStaticPolicyHolder(policy BillingPolicy) (*PolicyHolder, error) {
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}
	holder := &PolicyHolder{log: zap.NewNop()}
	holder.current.Store(policy)
	return holder, nil
}

func (h *PolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

func (h *PolicyHolder) reload(v *viper.Viper, source string) {
	updated, err := readPolicy(v)
	if err != nil {
		h.log.Warn("billing policy reload ignored", zap.String("source", source), zap.Error(err))
		return
	}
	h.current.Store(updated)
	h.log.Info("billing policy reloaded",
		zap.String("source", source),
		zap.Int("max_attempts", updated.MaxAttempts),
	)
}

func readPolicy(v *viper.Viper) (BillingPolicy, error) {
	if !v.IsSet("billing.maxAttempts") {
		return BillingPolicy{}, ErrMaxAttemptsRequired
	}
	policy := BillingPolicy{
		MaxAttempts:          v.GetInt("billing.maxAttempts"),
		BackoffDays:          v.GetIntSlice("billing.backoffDays"),
		StaleProcessingAfter: v.GetDuration("billing.staleProcessingAfter"),
	}
	if err := validatePolicy(policy); err != nil {
		return BillingPolicy{}, err
	}
	return policy, nil
}

func validatePolicy(policy BillingPolicy) error {
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("%w: billing.maxAttempts must be at least 1", ErrInvalidPolicy)
	}
	if len(policy.BackoffDays) == 0 {
		return fmt.Errorf("%w: billing.backoffDays cannot be empty", ErrInvalidPolicy)
	}
	for i, days := range policy.BackoffDays {
		if days <= 0 {
			return fmt.Errorf("%w: billing.backoffDays entries must be positive", ErrInvalidPolicy)
		}
		if i > 0 && days < policy.BackoffDays[i-1] {
			return fmt.Errorf("%w: billing.backoffDays must not decrease", ErrInvalidPolicy)
		}
	}
	if policy.StaleProcessingAfter <= 0 {
		return fmt.Errorf("%w: billing.staleProcessingAfter must be positive", ErrInvalidPolicy)
	}
	return nil
}
