package period

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		unit  Unit
		count int
		end   time.Time
		want  time.Time
	}{
		{name: "monthly from jan 31 clamps to feb 28", unit: UnitMonthly, count: 1, end: date(2025, time.January, 31), want: date(2025, time.February, 28)},
		{name: "monthly from jan 31 in leap year", unit: UnitMonthly, count: 1, end: date(2024, time.January, 31), want: date(2024, time.February, 29)},
		{name: "monthly across year boundary", unit: UnitMonthly, count: 2, end: date(2024, time.November, 30), want: date(2025, time.January, 30)},
		{name: "monthly mid month", unit: UnitMonthly, count: 1, end: date(2025, time.March, 15), want: date(2025, time.April, 15)},
		{name: "quarterly clamps", unit: UnitQuarterly, count: 1, end: date(2025, time.November, 30), want: date(2026, time.February, 28)},
		{name: "yearly from leap day", unit: UnitYearly, count: 1, end: date(2024, time.February, 29), want: date(2025, time.February, 28)},
		{name: "yearly multi", unit: UnitYearly, count: 4, end: date(2024, time.February, 29), want: date(2028, time.February, 29)},
		{name: "daily", unit: UnitDaily, count: 10, end: date(2024, time.March, 25), want: date(2024, time.April, 4)},
		{name: "daily across leap day", unit: UnitDaily, count: 1, end: date(2024, time.February, 28), want: date(2024, time.February, 29)},
		{name: "weekly", unit: UnitWeekly, count: 2, end: date(2024, time.December, 25), want: date(2025, time.January, 8)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.unit, tc.count, tc.end)
			require.NoError(t, err)
			assert.True(t, got.Start.Equal(tc.end), "next period must start where the previous ended")
			assert.True(t, got.End.Equal(tc.want), "expected end %s, got %s", tc.want, got.End)
		})
	}
}

func TestNextPreservesTimeOfDay(t *testing.T) {
	end := time.Date(2025, time.January, 31, 13, 45, 10, 0, time.UTC)
	got, err := Next(UnitMonthly, 1, end)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.February, 28, 13, 45, 10, 0, time.UTC), got.End)
}

func TestNextRejectsInvalidInterval(t *testing.T) {
	for _, count := range []int{0, -1} {
		_, err := Next(UnitMonthly, count, date(2025, time.January, 1))
		assert.True(t, errors.Is(err, ErrInvalidInterval), "count %d", count)
	}

	_, err := Next(Unit("fortnightly"), 1, date(2025, time.January, 1))
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestNextIsContiguous(t *testing.T) {
	units := []Unit{UnitDaily, UnitWeekly, UnitMonthly, UnitQuarterly, UnitYearly}
	for _, unit := range units {
		current := Period{Start: date(2023, time.December, 31), End: date(2024, time.January, 31)}
		for i := 0; i < 30; i++ {
			next, err := Next(unit, 1, current.End)
			require.NoError(t, err)
			assert.True(t, next.Start.Equal(current.End), "%s step %d", unit, i)
			assert.True(t, next.Valid())
			current = next
		}
	}
}

func TestParseUnit(t *testing.T) {
	unit, err := ParseUnit(" Monthly ")
	require.NoError(t, err)
	assert.Equal(t, UnitMonthly, unit)

	_, err = ParseUnit("hourly")
	assert.ErrorIs(t, err, ErrInvalidInterval)
}
