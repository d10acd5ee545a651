// Package period computes contiguous billing period boundaries.
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Unit is the calendar unit a subscription is billed in.
type Unit string

const (
	UnitDaily     Unit = "daily"
	UnitWeekly    Unit = "weekly"
	UnitMonthly   Unit = "monthly"
	UnitQuarterly Unit = "quarterly"
	UnitYearly    Unit = "yearly"
)

var ErrInvalidInterval = errors.New("invalid_interval")

const day = 24 * time.Hour

// Period is a half-open [Start, End) billing window.
type Period struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether End is strictly after Start.
func (p Period) Valid() bool {
	return p.End.After(p.Start)
}

// ParseUnit normalizes a stored interval value.
func ParseUnit(raw string) (Unit, error) {
	unit := Unit(strings.ToLower(strings.TrimSpace(raw)))
	switch unit {
	case UnitDaily, UnitWeekly, UnitMonthly, UnitQuarterly, UnitYearly:
		return unit, nil
	default:
		return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidInterval, raw)
	}
}

// Next returns the period that immediately follows one ending at periodEnd.
// Month and year steps clamp to the last day of the target month, so
// Jan 31 + 1 month is Feb 28 (or Feb 29 in a leap year).
func Next(unit Unit, count int, periodEnd time.Time) (Period, error) {
	if count <= 0 {
		return Period{}, fmt.Errorf("%w: interval count must be positive, got %d", ErrInvalidInterval, count)
	}

	start := periodEnd
	var end time.Time
	switch unit {
	case UnitDaily:
		end = start.Add(time.Duration(count) * day)
	case UnitWeekly:
		end = start.Add(time.Duration(count) * 7 * day)
	case UnitMonthly:
		end = addMonthsClamped(start, count)
	case UnitQuarterly:
		end = addMonthsClamped(start, 3*count)
	case UnitYearly:
		end = addMonthsClamped(start, 12*count)
	default:
		return Period{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidInterval, unit)
	}

	p := Period{Start: start, End: end}
	if !p.Valid() {
		return Period{}, fmt.Errorf("%w: non-increasing period %s..%s", ErrInvalidInterval, start, end)
	}
	return p, nil
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	h, mi, s := t.Clock()

	// Day 1 never overflows, so time.Date normalizes year and month for us.
	target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, h, mi, s, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
