package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writePolicyFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestPolicyHolderReadsFile(t *testing.T) {
	path := writePolicyFile(t, `
billing:
  maxAttempts: 4
  backoffDays: [1, 2, 5]
  staleProcessingAfter: 30m
`)

	holder, err := NewPolicyHolderFromFile(path, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, []int{1, 2, 5}, policy.BackoffDays)
	assert.Equal(t, 30*time.Minute, policy.StaleProcessingAfter)
}

func TestPolicyHolderAppliesDefaults(t *testing.T) {
	path := writePolicyFile(t, `
billing:
  maxAttempts: 3
`)

	holder, err := NewPolicyHolderFromFile(path, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, DefaultBackoffDays(), policy.BackoffDays)
	assert.Equal(t, DefaultStaleProcessingAfter, policy.StaleProcessingAfter)
}

func TestPolicyHolderRequiresMaxAttempts(t *testing.T) {
	path := writePolicyFile(t, `
billing:
  backoffDays: [1, 3, 7]
`)

	_, err := NewPolicyHolderFromFile(path, zap.NewNop())
	assert.ErrorIs(t, err, ErrMaxAttemptsRequired)
}

func TestPolicyHolderMaxAttemptsFromEnv(t *testing.T) {
	t.Setenv("RECURRING_BILLING_MAXATTEMPTS", "6")
	path := writePolicyFile(t, `
billing:
  backoffDays: [2]
`)

	holder, err := NewPolicyHolderFromFile(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 6, holder.Get().MaxAttempts)
}

func TestPolicyHolderRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero attempts":     "billing:\n  maxAttempts: 0\n",
		"negative day":      "billing:\n  maxAttempts: 3\n  backoffDays: [1, -2]\n",
		"decreasing delays": "billing:\n  maxAttempts: 3\n  backoffDays: [7, 3, 1]\n",
		"zero stale time":   "billing:\n  maxAttempts: 3\n  staleProcessingAfter: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPolicyHolderFromFile(writePolicyFile(t, body), zap.NewNop())
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestPolicyReloadKeepsLastGoodPolicy(t *testing.T) {
	path := writePolicyFile(t, "billing:\n  maxAttempts: 3\n")

	v := viper.New()
	v.SetConfigFile(path)
	holder, err := newPolicyHolder(v, zap.NewNop(), false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("billing:\n  maxAttempts: 0\n"), 0o600))
	require.NoError(t, v.ReadInConfig())
	holder.reload(v, path)
	assert.Equal(t, 3, holder.Get().MaxAttempts)

	require.NoError(t, os.WriteFile(path, []byte("billing:\n  maxAttempts: 5\n"), 0o600))
	require.NoError(t, v.ReadInConfig())
	holder.reload(v, path)
	assert.Equal(t, 5, holder.Get().MaxAttempts)
}

func TestStaticPolicyHolder(t *testing.T) {
	holder, err := NewStaticPolicyHolder(BillingPolicy{
		MaxAttempts:          2,
		BackoffDays:          []int{1},
		StaleProcessingAfter: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, holder.Get().MaxAttempts)

	_, err = NewStaticPolicyHolder(BillingPolicy{})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
