package guard

import (
	"testing"
	"time"

	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestEnsureCycleDue(t *testing.T) {
	cases := []struct {
		name        string
		status      billingcycledomain.BillingCycleStatus
		billingDate time.Time
		want        error
	}{
		{"due now", billingcycledomain.BillingCycleStatusUpcoming, now, nil},
		{"overdue", billingcycledomain.BillingCycleStatusUpcoming, now.Add(-48 * time.Hour), nil},
		{"future", billingcycledomain.BillingCycleStatusUpcoming, now.Add(time.Second), ErrCycleNotDue},
		{"processing", billingcycledomain.BillingCycleStatusProcessing, now, ErrCycleNotUpcoming},
		{"completed", billingcycledomain.BillingCycleStatusCompleted, now, ErrCycleNotUpcoming},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, EnsureCycleDue(tc.status, tc.billingDate, now), tc.want)
		})
	}
}

func TestEnsureCycleRetryable(t *testing.T) {
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	cases := []struct {
		name  string
		cycle billingcycledomain.BillingCycle
		want  error
	}{
		{
			name:  "backoff elapsed",
			cycle: billingcycledomain.BillingCycle{Status: billingcycledomain.BillingCycleStatusFailed, AttemptCount: 1, NextAttemptAt: &past},
		},
		{
			name:  "backoff pending",
			cycle: billingcycledomain.BillingCycle{Status: billingcycledomain.BillingCycleStatusFailed, AttemptCount: 1, NextAttemptAt: &future},
			want:  ErrBackoffNotElapsed,
		},
		{
			name:  "no retry scheduled",
			cycle: billingcycledomain.BillingCycle{Status: billingcycledomain.BillingCycleStatusFailed, AttemptCount: 1},
			want:  ErrBackoffNotElapsed,
		},
		{
			name:  "attempts used up",
			cycle: billingcycledomain.BillingCycle{Status: billingcycledomain.BillingCycleStatusFailed, AttemptCount: 3, NextAttemptAt: &past},
			want:  ErrCycleExhausted,
		},
		{
			name:  "exhausted",
			cycle: billingcycledomain.BillingCycle{Status: billingcycledomain.BillingCycleStatusFailed, AttemptCount: 1, NextAttemptAt: &past, ExhaustedAt: &past},
			want:  ErrCycleExhausted,
		},
		{
			name:  "not failed",
			cycle: billingcycledomain.BillingCycle{Status: billingcycledomain.BillingCycleStatusUpcoming},
			want:  ErrCycleNotFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, EnsureCycleRetryable(tc.cycle, now, 3), tc.want)
		})
	}

	assert.ErrorIs(t, EnsureCycleRetryable(cases[0].cycle, now, 0), ErrInvalidMaxAttempts)
}

func TestEnsureCycleStale(t *testing.T) {
	cutoff := now.Add(-time.Hour)
	old := cutoff.Add(-time.Minute)
	recent := cutoff.Add(time.Minute)

	assert.NoError(t, EnsureCycleStale(billingcycledomain.BillingCycleStatusProcessing, &old, cutoff))
	assert.NoError(t, EnsureCycleStale(billingcycledomain.BillingCycleStatusProcessing, &cutoff, cutoff))
	assert.NoError(t, EnsureCycleStale(billingcycledomain.BillingCycleStatusProcessing, nil, cutoff))
	assert.ErrorIs(t, EnsureCycleStale(billingcycledomain.BillingCycleStatusProcessing, &recent, cutoff), ErrCycleNotStale)
	assert.ErrorIs(t, EnsureCycleStale(billingcycledomain.BillingCycleStatusUpcoming, &old, cutoff), ErrCycleNotProcessing)
}

func TestEnsureCycleCompleted(t *testing.T) {
	assert.NoError(t, EnsureCycleCompleted(billingcycledomain.BillingCycleStatusCompleted))
	assert.ErrorIs(t, EnsureCycleCompleted(billingcycledomain.BillingCycleStatusFailed), ErrCycleNotCompleted)
}
