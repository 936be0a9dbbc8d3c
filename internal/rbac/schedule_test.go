package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestScheduleContains(t *testing.T) {
	loc := mustLocation(t, "Europe/Berlin")
	weekdays := Schedule{
		Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Start:    "15:00",
		End:      "18:00",
		Timezone: "Europe/Berlin",
	}
	// 2024-03-04 is a Monday.
	assert.True(t, weekdays.Contains(time.Date(2024, 3, 4, 15, 0, 0, 0, loc)))
	assert.True(t, weekdays.Contains(time.Date(2024, 3, 4, 17, 59, 0, 0, loc)))
	assert.False(t, weekdays.Contains(time.Date(2024, 3, 4, 18, 0, 0, 0, loc)), "end is exclusive")
	assert.False(t, weekdays.Contains(time.Date(2024, 3, 4, 14, 59, 0, 0, loc)))
	assert.False(t, weekdays.Contains(time.Date(2024, 3, 9, 16, 0, 0, 0, loc)), "saturday is not listed")
	// Same instant expressed in UTC.
	assert.True(t, weekdays.Contains(time.Date(2024, 3, 4, 15, 30, 0, 0, time.UTC)))
}

func TestScheduleOvernightBelongsToOpeningDay(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	friday := Schedule{Days: []time.Weekday{time.Friday}, Start: "22:00", End: "06:00", Timezone: "America/New_York"}

	// 2024-03-08 is a Friday.
	assert.True(t, friday.Contains(time.Date(2024, 3, 8, 23, 0, 0, 0, loc)))
	assert.True(t, friday.Contains(time.Date(2024, 3, 9, 5, 59, 0, 0, loc)), "saturday morning belongs to friday's window")
	assert.False(t, friday.Contains(time.Date(2024, 3, 9, 22, 30, 0, 0, loc)), "saturday evening opens nothing")
	assert.False(t, friday.Contains(time.Date(2024, 3, 8, 5, 0, 0, 0, loc)), "friday morning belongs to thursday")
}

func TestScheduleUnknownTimezoneNeverMatches(t *testing.T) {
	s := Schedule{Days: []time.Weekday{time.Monday}, Start: "00:00", End: "23:59", Timezone: "Mars/Olympus"}
	assert.False(t, s.Contains(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)))
	_, ok := s.NextStart(time.Now())
	assert.False(t, ok)
	require.ErrorIs(t, s.Validate(), ErrValidation)
}

func TestScheduleWindowEndAndNextStart(t *testing.T) {
	loc := mustLocation(t, "UTC")
	s := Schedule{Days: []time.Weekday{time.Monday, time.Wednesday}, Start: "09:00", End: "10:00", Timezone: "UTC"}

	inside := time.Date(2024, 3, 4, 9, 30, 0, 0, loc)
	end, ok := s.WindowEnd(inside)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, loc), end)

	next, ok := s.NextStart(inside)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 6, 9, 0, 0, 0, loc), next)

	_, ok = s.WindowEnd(time.Date(2024, 3, 5, 9, 30, 0, 0, loc))
	assert.False(t, ok)
}

func TestScheduleAcrossDSTChange(t *testing.T) {
	loc := mustLocation(t, "Europe/Berlin")
	s := Schedule{Days: []time.Weekday{time.Sunday}, Start: "08:00", End: "09:00", Timezone: "Europe/Berlin"}
	// Clocks move forward on 2024-03-31; the window still opens at 08:00 local time.
	next, ok := s.NextStart(time.Date(2024, 3, 30, 12, 0, 0, 0, loc))
	require.True(t, ok)
	assert.Equal(t, 8, next.In(loc).Hour())
	assert.Equal(t, 31, next.In(loc).Day())
}

func TestScheduleValidate(t *testing.T) {
	valid := Schedule{Days: []time.Weekday{time.Monday}, Start: "08:00", End: "12:00", Timezone: "UTC"}
	require.NoError(t, valid.Validate())

	bad := []Schedule{
		{Start: "08:00", End: "12:00", Timezone: "UTC"},
		{Days: []time.Weekday{9}, Start: "08:00", End: "12:00", Timezone: "UTC"},
		{Days: []time.Weekday{time.Monday}, Start: "8am", End: "12:00", Timezone: "UTC"},
		{Days: []time.Weekday{time.Monday}, Start: "08:00", End: "08:00", Timezone: "UTC"},
	}
	for _, s := range bad {
		assert.ErrorIs(t, s.Validate(), ErrValidation)
	}
}
