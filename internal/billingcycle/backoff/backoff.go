// Package backoff maps a failed attempt number to its retry time.
package backoff

import "time"

// DefaultDays is the dunning table: attempt 1 waits 1 day, 2 waits 3, 3+ waits 7.
var DefaultDays = []int{1, 3, 7}

// Schedule is a lookup table of delays in days indexed by attempt number.
// Attempts past the end of the table reuse the last entry.
type Schedule struct {
	days []int
}

func NewSchedule(days []int) Schedule {
	if len(days) == 0 {
		days = DefaultDays
	}
	copied := make([]int, len(days))
	copy(copied, days)
	return Schedule{days: copied}
}

func Default() Schedule {
	return NewSchedule(DefaultDays)
}

// Delay returns the wait that follows the given attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	days := s.days
	if len(days) == 0 {
		days = DefaultDays
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(days) {
		idx = len(days) - 1
	}
	return time.Duration(days[idx]) * 24 * time.Hour
}

// NextRetryAt returns when the cycle may be attempted again after failing
// attempt number attempt at failedAt.
func (s Schedule) NextRetryAt(attempt int, failedAt time.Time) time.Time {
	return failedAt.Add(s.Delay(attempt))
}
