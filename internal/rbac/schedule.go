package rbac

import (
	"fmt"
	"slices"
	"time"
)

const clockLayout = "15:04"

// Schedule restricts an assignment to recurring weekly windows in a timezone.
// An End before Start describes an overnight window; the part after midnight
// belongs to the listed weekday on which the window opened.
type Schedule struct {
	Days     []time.Weekday `json:"days"`
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Timezone string         `json:"timezone"`
}

// Validate rejects schedules that could never be evaluated.
func (s Schedule) Validate() error {
	if len(s.Days) == 0 {
		return validationf("schedule requires at least one weekday")
	}
	for _, d := range s.Days {
		if d < time.Sunday || d > time.Saturday {
			return validationf("schedule weekday %d out of range", d)
		}
	}
	start, err := parseClock(s.Start)
	if err != nil {
		return validationf("schedule start: %v", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return validationf("schedule end: %v", err)
	}
	if start == end {
		return validationf("schedule window is empty")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return validationf("schedule timezone %q: %v", s.Timezone, err)
	}
	return nil
}

type window struct {
	open  time.Time
	close time.Time
}

// windowsAround lists windows opening from the day before t up to a week after it,
// in chronological order and in the schedule's timezone.
func (s Schedule) windowsAround(t time.Time) ([]window, bool) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, false
	}
	start, err := parseClock(s.Start)
	if err != nil {
		return nil, false
	}
	end, err := parseClock(s.End)
	if err != nil || start == end {
		return nil, false
	}
	local := t.In(loc)
	var out []window
	for offset := -1; offset <= 7; offset++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+offset, 0, 0, 0, 0, loc)
		if !slices.Contains(s.Days, day.Weekday()) {
			continue
		}
		open := atClock(day, start)
		closeDay := day
		if end < start {
			closeDay = day.AddDate(0, 0, 1)
		}
		out = append(out, window{open: open, close: atClock(closeDay, end)})
	}
	return out, true
}

// Contains reports whether t falls inside one of the schedule's windows.
// Schedules with an unknown timezone or unparsable times never contain anything.
func (s Schedule) Contains(t time.Time) bool {
	windows, ok := s.windowsAround(t)
	if !ok {
		return false
	}
	for _, w := range windows {
		if !t.Before(w.open) && t.Before(w.close) {
			return true
		}
	}
	return false
}

// WindowEnd returns the close of the window containing t.
func (s Schedule) WindowEnd(t time.Time) (time.Time, bool) {
	windows, ok := s.windowsAround(t)
	if !ok {
		return time.Time{}, false
	}
	for _, w := range windows {
		if !t.Before(w.open) && t.Before(w.close) {
			return w.close, true
		}
	}
	return time.Time{}, false
}

// NextStart returns the next window opening strictly after t, within one week.
func (s Schedule) NextStart(t time.Time) (time.Time, bool) {
	windows, ok := s.windowsAround(t)
	if !ok {
		return time.Time{}, false
	}
	for _, w := range windows {
		if w.open.After(t) {
			return w.open, true
		}
	}
	return time.Time{}, false
}

// atClock places a time of day on a calendar day without drifting across DST changes.
func atClock(day time.Time, clock time.Duration) time.Time {
	h := int(clock / time.Hour)
	m := int((clock % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location())
}

func parseClock(raw string) (time.Duration, error) {
	parsed, err := time.Parse(clockLayout, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", raw)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}
