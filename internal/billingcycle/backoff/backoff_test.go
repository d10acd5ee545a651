package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultScheduleTable(t *testing.T) {
	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	s := Default()

	cases := map[int]time.Duration{
		1:  24 * time.Hour,
		2:  3 * 24 * time.Hour,
		3:  7 * 24 * time.Hour,
		4:  7 * 24 * time.Hour,
		10: 7 * 24 * time.Hour,
	}
	for attempt, want := range cases {
		assert.Equal(t, base.Add(want), s.NextRetryAt(attempt, base), "attempt %d", attempt)
	}
}

func TestNextRetryAtIsMonotonic(t *testing.T) {
	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range []Schedule{Default(), NewSchedule([]int{2, 2, 5, 30})} {
		for n := 1; n < 20; n++ {
			assert.False(t, s.NextRetryAt(n+1, base).Before(s.NextRetryAt(n, base)), "attempt %d", n)
		}
	}
}

func TestZeroAttemptUsesFirstEntry(t *testing.T) {
	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(24*time.Hour), Default().NextRetryAt(0, base))
}

func TestEmptyTableFallsBackToDefault(t *testing.T) {
	assert.Equal(t, Default().Delay(2), NewSchedule(nil).Delay(2))
	assert.Equal(t, 3*24*time.Hour, Schedule{}.Delay(2))
}

func TestNewScheduleCopiesInput(t *testing.T) {
	days := []int{1, 2}
	s := NewSchedule(days)
	days[0] = 99
	assert.Equal(t, 24*time.Hour, s.Delay(1))
}
