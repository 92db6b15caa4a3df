package model

import (
	"fmt"
	"time"

	"github.com/roach88/habitcore/internal/calendar"
)

// ProgressInvariantLevel is the schema level from which UserProgress must
// equal the sum of award XP. Older payloads are repaired by a migration step.
const ProgressInvariantLevel = 4

// maxStartLead is how far a habit's start day may lie ahead of "today" in
// UTC, covering the widest zone offsets.
const maxStartLead = 1

// Validate runs the invariant-checking pass that gates every write.
//
// Duplicate awards or migration steps are reported as concurrency violations;
// everything else as validation failures. A non-nil error means the write
// must be rejected and the previous snapshot kept.
func Validate(d *Dataset, now time.Time) error {
	if d == nil {
		return NewValidationError("validate", "", []string{"dataset is nil"})
	}
	if dup := CheckInvariants(d); len(dup) > 0 {
		return NewConcurrencyViolation("validate", d.UserID, dup)
	}

	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if d.UserID == "" {
		add("user id is empty")
	}
	latestStart := calendar.FromTime(now.UTC()).Add(maxStartLead)

	habitIDs := make(map[string]bool, len(d.Habits))
	for _, h := range d.Habits {
		switch {
		case h.ID == "":
			add("habit with empty id")
			continue
		case habitIDs[h.ID]:
			add("duplicate habit id %s", h.ID)
		}
		habitIDs[h.ID] = true

		if h.UserID != d.UserID {
			add("habit %s belongs to user %q", h.ID, h.UserID)
		}
		if h.Name == "" {
			add("habit %s has empty name", h.ID)
		}
		if h.StartDay != "" {
			if !h.StartDay.Valid() {
				add("habit %s has invalid start day %q", h.ID, h.StartDay)
			} else if h.StartDay.After(latestStart) {
				add("habit %s starts in the future (%s)", h.ID, h.StartDay)
			}
		}
		if h.TargetCount < 0 {
			add("habit %s has negative target %d", h.ID, h.TargetCount)
		}
		if err := h.Schedule.Validate(); err != nil {
			add("habit %s: %v", h.ID, err)
		}
		if h.DeletionSource != "" && !h.DeletionSource.Valid() {
			add("habit %s has unknown deletion source %q", h.ID, h.DeletionSource)
		}
	}

	for _, c := range d.Completions {
		if c.HabitID == "" {
			add("completion with empty habit id on %s", c.Day)
		}
		if !c.Day.Valid() {
			add("completion for %s has invalid day %q", c.HabitID, c.Day)
		}
		if c.Count < 0 {
			add("completion for %s on %s has negative count %d", c.HabitID, c.Day, c.Count)
		}
	}

	skips := make(map[CompletionKey]bool, len(d.Skips))
	for _, s := range d.Skips {
		if !s.Day.Valid() {
			add("skip for %s has invalid day %q", s.HabitID, s.Day)
		}
		k := CompletionKey{UserID: s.UserID, HabitID: s.HabitID, Day: s.Day}
		if skips[k] {
			add("duplicate skip for %s on %s", s.HabitID, s.Day)
		}
		skips[k] = true
	}

	for _, a := range d.Awards {
		if !a.Day.Valid() {
			add("award has invalid day %q", a.Day)
		}
		if a.XP < 0 {
			add("award on %s has negative xp %d", a.Day, a.XP)
		}
	}

	if d.Progress.TotalXP < 0 {
		add("total xp is negative (%d)", d.Progress.TotalXP)
	}
	if d.Migration.Version >= ProgressInvariantLevel && d.Progress.TotalXP != d.AwardedXP() {
		add("total xp %d does not match awarded xp %d", d.Progress.TotalXP, d.AwardedXP())
	}

	if len(issues) > 0 {
		return NewValidationError("validate", d.UserID, issues)
	}
	return nil
}

// CheckInvariants reports uniqueness violations that the serialization
// discipline makes impossible: more than one award per day, more than one
// completion per (user, habit, day), or a migration step completed twice.
func CheckInvariants(d *Dataset) []string {
	var dups []string

	awards := make(map[calendar.DayKey]int, len(d.Awards))
	for _, a := range d.Awards {
		awards[a.Day]++
		if awards[a.Day] == 2 {
			dups = append(dups, fmt.Sprintf("duplicate award for %s", a.Day))
		}
	}

	completions := make(map[CompletionKey]int, len(d.Completions))
	for _, c := range d.Completions {
		k := c.Key()
		completions[k]++
		if completions[k] == 2 {
			dups = append(dups, fmt.Sprintf("duplicate completion for %s on %s", c.HabitID, c.Day))
		}
	}

	steps := make(map[string]int, len(d.Migration.Completed))
	for _, id := range d.Migration.Completed {
		steps[id]++
		if steps[id] == 2 {
			dups = append(dups, fmt.Sprintf("migration step %s completed twice", id))
		}
	}
	return dups
}
