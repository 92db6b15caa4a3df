package model

import (
	"maps"
	"slices"
	"time"

	"github.com/roach88/habitcore/internal/calendar"
)

// Dataset is the full per-user record set persisted as one snapshot.
type Dataset struct {
	UserID      string             `json:"user_id"`
	TimeZone    string             `json:"time_zone,omitempty"`
	Habits      []Habit            `json:"habits"`
	Completions []CompletionRecord `json:"completions"`
	Skips       []SkipMarker       `json:"skips"`
	Awards      []DailyAward       `json:"awards"`
	Progress    UserProgress       `json:"progress"`
	Migration   MigrationState     `json:"migration"`
	Tombstones  []Tombstone        `json:"tombstones"`
	DeletionLog []DeletionLogEntry `json:"deletion_log"`
}

// NewDataset returns an empty dataset for userID.
func NewDataset(userID string) *Dataset {
	ds := &Dataset{UserID: userID}
	ds.Normalize()
	return ds
}

// Normalize replaces nil slices with empty ones and stamps the user id onto
// the singleton records, so encoded payloads never contain null arrays.
func (d *Dataset) Normalize() {
	if d.Habits == nil {
		d.Habits = []Habit{}
	}
	if d.Completions == nil {
		d.Completions = []CompletionRecord{}
	}
	if d.Skips == nil {
		d.Skips = []SkipMarker{}
	}
	if d.Awards == nil {
		d.Awards = []DailyAward{}
	}
	if d.Tombstones == nil {
		d.Tombstones = []Tombstone{}
	}
	if d.DeletionLog == nil {
		d.DeletionLog = []DeletionLogEntry{}
	}
	if d.Migration.Completed == nil {
		d.Migration.Completed = []string{}
	}
	d.Progress.UserID = d.UserID
	d.Migration.UserID = d.UserID
}

// RecordCount is the number of records the store verifies after a write.
func (d *Dataset) RecordCount() int {
	return len(d.Habits) + len(d.Completions) + len(d.Skips) +
		len(d.Awards) + len(d.Tombstones) + len(d.DeletionLog)
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	c := *d

	c.Habits = make([]Habit, len(d.Habits))
	for i, h := range d.Habits {
		if h.DeletedAt != nil {
			at := *h.DeletedAt
			h.DeletedAt = &at
		}
		h.Schedule.Weekdays = slices.Clone(h.Schedule.Weekdays)
		if h.LegacyHistory != nil {
			h.LegacyHistory = maps.Clone(h.LegacyHistory)
		}
		c.Habits[i] = h
	}

	c.Completions = make([]CompletionRecord, len(d.Completions))
	for i, r := range d.Completions {
		if r.CompletedAt != nil {
			at := *r.CompletedAt
			r.CompletedAt = &at
		}
		c.Completions[i] = r
	}

	c.Skips = slices.Clone(d.Skips)
	c.Awards = slices.Clone(d.Awards)
	c.Tombstones = slices.Clone(d.Tombstones)
	c.DeletionLog = slices.Clone(d.DeletionLog)
	c.Migration.Completed = slices.Clone(d.Migration.Completed)
	if d.Migration.Resume != nil {
		r := *d.Migration.Resume
		c.Migration.Resume = &r
	}
	c.Normalize()
	return &c
}

// HabitIndex returns the index of habit id, or -1.
func (d *Dataset) HabitIndex(id string) int {
	return slices.IndexFunc(d.Habits, func(h Habit) bool { return h.ID == id })
}

// Habit returns the habit with id, including soft-deleted ones.
func (d *Dataset) Habit(id string) (Habit, bool) {
	i := d.HabitIndex(id)
	if i < 0 {
		return Habit{}, false
	}
	return d.Habits[i], true
}

// ActiveHabits returns habits with DeletedAt == nil, the default query.
func (d *Dataset) ActiveHabits() []Habit {
	out := make([]Habit, 0, len(d.Habits))
	for _, h := range d.Habits {
		if !h.IsDeleted() {
			out = append(out, h)
		}
	}
	return out
}

// ScheduledHabits returns the habits due on day. loc is the user's
// resolved zone; it decides which day a deletion falls on.
func (d *Dataset) ScheduledHabits(day calendar.DayKey, loc *time.Location) []Habit {
	var out []Habit
	for _, h := range d.Habits {
		if h.ScheduledOn(day, loc) {
			out = append(out, h)
		}
	}
	return out
}

// CompletionIndex returns the index of the record for (habitID, day), or -1.
func (d *Dataset) CompletionIndex(habitID string, day calendar.DayKey) int {
	return slices.IndexFunc(d.Completions, func(c CompletionRecord) bool {
		return c.HabitID == habitID && c.Day == day
	})
}

// Completion returns the record for (habitID, day).
func (d *Dataset) Completion(habitID string, day calendar.DayKey) (CompletionRecord, bool) {
	i := d.CompletionIndex(habitID, day)
	if i < 0 {
		return CompletionRecord{}, false
	}
	return d.Completions[i], true
}

// SkipIndex returns the index of the skip marker for (habitID, day), or -1.
func (d *Dataset) SkipIndex(habitID string, day calendar.DayKey) int {
	return slices.IndexFunc(d.Skips, func(s SkipMarker) bool {
		return s.HabitID == habitID && s.Day == day
	})
}

// AwardIndex returns the index of the award for day, or -1.
func (d *Dataset) AwardIndex(day calendar.DayKey) int {
	return slices.IndexFunc(d.Awards, func(a DailyAward) bool { return a.Day == day })
}

// AllComplete reports whether every habit scheduled on day has met its goal.
// It also returns the number of scheduled habits; a day with none is never
// complete.
func (d *Dataset) AllComplete(day calendar.DayKey, loc *time.Location) (bool, int) {
	scheduled := d.ScheduledHabits(day, loc)
	if len(scheduled) == 0 {
		return false, 0
	}
	for _, h := range scheduled {
		rec, ok := d.Completion(h.ID, day)
		if !ok || !rec.GoalMet(h.Target()) {
			return false, len(scheduled)
		}
	}
	return true, len(scheduled)
}

// LiveTombstone returns the unexpired tombstone for habitID, if any.
func (d *Dataset) LiveTombstone(habitID string, now time.Time) (Tombstone, bool) {
	for _, t := range d.Tombstones {
		if t.HabitID == habitID && t.Live(now) {
			return t, true
		}
	}
	return Tombstone{}, false
}
