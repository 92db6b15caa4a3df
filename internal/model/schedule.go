package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/habitcore/internal/calendar"
)

// ScheduleKind selects how a Schedule picks its days.
type ScheduleKind string

const (
	// ScheduleDaily applies to every day.
	ScheduleDaily ScheduleKind = "daily"
	// ScheduleWeekdays applies to the listed days of the week.
	ScheduleWeekdays ScheduleKind = "weekdays"
	// ScheduleInterval applies every N days counted from the habit's start day.
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule describes which calendar days a habit applies to.
// The zero value is a daily schedule.
type Schedule struct {
	Kind     ScheduleKind   `json:"kind"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	Every    int            `json:"every,omitempty"`
}

// Daily returns a schedule that applies to every day.
func Daily() Schedule {
	return Schedule{Kind: ScheduleDaily}
}

// OnWeekdays returns a schedule for the given days of the week.
func OnWeekdays(days ...time.Weekday) Schedule {
	ds := slices.Clone(days)
	slices.Sort(ds)
	return Schedule{Kind: ScheduleWeekdays, Weekdays: slices.Compact(ds)}
}

// EveryNDays returns a schedule that applies every n days from the start day.
func EveryNDays(n int) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: n}
}

// AppliesOn reports whether the schedule includes day d for a habit that
// started on start.
func (s Schedule) AppliesOn(d, start calendar.DayKey) bool {
	switch s.Kind {
	case "", ScheduleDaily:
		return true
	case ScheduleWeekdays:
		return slices.Contains(s.Weekdays, d.Weekday())
	case ScheduleInterval:
		if s.Every <= 1 || start == "" {
			return true
		}
		diff := calendar.DaysBetween(start, d)
		return diff >= 0 && diff%s.Every == 0
	}
	return false
}

// Validate checks the schedule is well-formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case "", ScheduleDaily:
		return nil
	case ScheduleWeekdays:
		if len(s.Weekdays) == 0 {
			return fmt.Errorf("weekdays schedule needs at least one day")
		}
		for _, d := range s.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("invalid weekday %d", d)
			}
		}
		return nil
	case ScheduleInterval:
		if s.Every < 1 {
			return fmt.Errorf("interval schedule needs every >= 1, got %d", s.Every)
		}
		return nil
	}
	return fmt.Errorf("unknown schedule kind %q", s.Kind)
}
