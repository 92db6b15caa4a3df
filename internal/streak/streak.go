// Package streak derives consecutive-completion streaks from a habit's history.
//
// The walk is backward from a reference day:
//   - completed: counted, and the walk continues
//   - skipped: transparent, neither counted nor terminating
//   - not scheduled: transparent, the habit did not apply that day
//   - missed: terminates the walk
//
// Nothing is stored; streaks are recomputed from the normalized records.
package streak

import (
	"fmt"
	"time"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/model"
)

// maxWalk caps a walk when a history has no start day.
const maxWalk = 100 * 366

// Status is the per-day outcome of a habit.
type Status int

const (
	Missed Status = iota
	Completed
	Skipped
	Unscheduled
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Unscheduled:
		return "unscheduled"
	}
	return "missed"
}

// History is the day-by-day record of one habit.
type History struct {
	// Start is the first day the habit applies. Walks never go before it.
	// Empty means the earliest marked day.
	Start calendar.DayKey

	// Scheduled reports whether the habit applies on a day. Nil means every day.
	Scheduled func(calendar.DayKey) bool

	days     map[calendar.DayKey]Status
	earliest calendar.DayKey
}

// NewHistory returns an empty history starting on start.
func NewHistory(start calendar.DayKey) *History {
	return &History{Start: start, days: make(map[calendar.DayKey]Status)}
}

// MarkCompleted records completions. A completion wins over a skip.
func (h *History) MarkCompleted(days ...calendar.DayKey) *History {
	for _, d := range days {
		h.mark(d, Completed)
	}
	return h
}

// MarkSkipped records skips on days without a completion.
func (h *History) MarkSkipped(days ...calendar.DayKey) *History {
	for _, d := range days {
		if h.days[d] != Completed {
			h.mark(d, Skipped)
		}
	}
	return h
}

func (h *History) mark(d calendar.DayKey, s Status) {
	h.days[d] = s
	if h.earliest == "" || d.Before(h.earliest) {
		h.earliest = d
	}
}

// Status returns the outcome of day d.
func (h *History) Status(d calendar.DayKey) Status {
	if s, ok := h.days[d]; ok && s == Completed {
		return Completed
	}
	if h.Scheduled != nil && !h.Scheduled(d) {
		return Unscheduled
	}
	if s, ok := h.days[d]; ok {
		return s
	}
	return Missed
}

func (h *History) first() calendar.DayKey {
	if h.Start != "" {
		return h.Start
	}
	return h.earliest
}

// Current returns the streak ending on ref.
func Current(h *History, ref calendar.DayKey) int {
	first := h.first()
	if first == "" {
		return 0
	}
	count := 0
	d := ref
	for i := 0; i < maxWalk && !d.Before(first); i++ {
		switch h.Status(d) {
		case Completed:
			count++
		case Missed:
			return count
		}
		d = d.Add(-1)
	}
	return count
}

// Longest returns the longest streak in the history up to and including through.
func Longest(h *History, through calendar.DayKey) int {
	first := h.first()
	if first == "" || through.Before(first) {
		return 0
	}
	best, run := 0, 0
	d := first
	for i := 0; i < maxWalk && !d.After(through); i++ {
		switch h.Status(d) {
		case Completed:
			run++
			best = max(best, run)
		case Missed:
			run = 0
		}
		d = d.Add(1)
	}
	return best
}

// FromDataset builds the history of habitID: completions that meet the
// habit's target, skip markers, and the habit's schedule and lifetime.
// loc is the user's resolved zone.
func FromDataset(ds *model.Dataset, habitID string, loc *time.Location) (*History, error) {
	habit, ok := ds.Habit(habitID)
	if !ok {
		return nil, &model.Error{
			Code:    model.CodeNotFound,
			Op:      "streak.history",
			UserID:  ds.UserID,
			Message: fmt.Sprintf("habit %s not found", habitID),
		}
	}

	h := NewHistory(habit.StartDay)
	h.Scheduled = func(d calendar.DayKey) bool { return habit.ScheduledOn(d, loc) }

	target := habit.Target()
	for _, c := range ds.Completions {
		if c.HabitID == habitID && c.GoalMet(target) {
			h.MarkCompleted(c.Day)
		}
	}
	for _, s := range ds.Skips {
		if s.HabitID == habitID {
			h.MarkSkipped(s.Day)
		}
	}
	return h, nil
}

// Summary is the streak state of one habit on a reference day.
type Summary struct {
	HabitID   string          `json:"habit_id"`
	Reference calendar.DayKey `json:"reference"`
	Current   int             `json:"current"`
	Longest   int             `json:"longest"`
	Today     string          `json:"today"`
}

// Summarize computes current and longest streaks of habitID as of ref.
func Summarize(ds *model.Dataset, habitID string, ref calendar.DayKey, loc *time.Location) (Summary, error) {
	h, err := FromDataset(ds, habitID, loc)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		HabitID:   habitID,
		Reference: ref,
		Current:   Current(h, ref),
		Longest:   Longest(h, ref),
		Today:     h.Status(ref).String(),
	}, nil
}
