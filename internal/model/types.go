package model

import (
	"slices"
	"time"

	"github.com/roach88/habitcore/internal/calendar"
)

// DeletionSource records who soft-deleted a habit.
type DeletionSource string

const (
	DeletionByUser      DeletionSource = "user"
	DeletionBySync      DeletionSource = "sync"
	DeletionByMigration DeletionSource = "migration"
	DeletionByCleanup   DeletionSource = "cleanup"
)

// Valid reports whether s is a known deletion source.
func (s DeletionSource) Valid() bool {
	switch s {
	case DeletionByUser, DeletionBySync, DeletionByMigration, DeletionByCleanup:
		return true
	}
	return false
}

// Habit is a user-defined recurring goal.
//
// Habits are never physically removed on user delete; DeletedAt and
// DeletionSource mark them as soft-deleted. Only the retention job
// hard-deletes them.
type Habit struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name"`
	Schedule    Schedule        `json:"schedule"`
	TargetCount int             `json:"target_count,omitempty"`
	StartDay    calendar.DayKey `json:"start_day"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	DeletionSource DeletionSource `json:"deletion_source,omitempty"`

	// LegacyHistory is the pre-normalization completion map (day key → count)
	// embedded on the habit by schema level 0 payloads. Migrations move it
	// into CompletionRecords and clear it.
	LegacyHistory map[string]int `json:"completion_history,omitempty"`
}

// HabitState is the tagged lifecycle state of a habit: Active or SoftDeleted.
type HabitState interface {
	isHabitState()
}

// Active is the state of a habit that has not been deleted.
type Active struct{}

// SoftDeleted is the state of a logically deleted habit.
type SoftDeleted struct {
	At     time.Time
	Source DeletionSource
}

func (Active) isHabitState()      {}
func (SoftDeleted) isHabitState() {}

// State returns the habit's lifecycle state.
func (h Habit) State() HabitState {
	if h.DeletedAt == nil {
		return Active{}
	}
	return SoftDeleted{At: *h.DeletedAt, Source: h.DeletionSource}
}

// IsDeleted reports whether the habit is soft-deleted.
func (h Habit) IsDeleted() bool {
	return h.DeletedAt != nil
}

// Target returns the per-day count that satisfies the habit's goal.
func (h Habit) Target() int {
	if h.TargetCount <= 0 {
		return 1
	}
	return h.TargetCount
}

// ScheduledOn reports whether the habit is due on day d: it has started,
// was not deleted on or before d (deletion day taken in loc), and its
// schedule applies.
func (h Habit) ScheduledOn(d calendar.DayKey, loc *time.Location) bool {
	if h.StartDay != "" && d.Before(h.StartDay) {
		return false
	}
	if h.DeletedAt != nil {
		if loc == nil {
			loc = time.UTC
		}
		if !d.Before(calendar.FromTime(h.DeletedAt.In(loc))) {
			return false
		}
	}
	return h.Schedule.AppliesOn(d, h.StartDay)
}

// CompletionKey is the uniqueness key of a CompletionRecord.
type CompletionKey struct {
	UserID  string
	HabitID string
	Day     calendar.DayKey
}

// CompletionRecord is the completion fact for one (user, habit, day).
type CompletionRecord struct {
	UserID      string          `json:"user_id"`
	HabitID     string          `json:"habit_id"`
	Day         calendar.DayKey `json:"day"`
	Completed   bool            `json:"completed"`
	Count       int             `json:"count"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Key returns the record's uniqueness key.
func (c CompletionRecord) Key() CompletionKey {
	return CompletionKey{UserID: c.UserID, HabitID: c.HabitID, Day: c.Day}
}

// GoalMet reports whether the record satisfies a habit with the given target.
func (c CompletionRecord) GoalMet(target int) bool {
	if target <= 0 {
		target = 1
	}
	return c.Completed || c.Count >= target
}

// SkipMarker marks a day as intentionally skipped for a habit. Skipped days
// preserve a streak without extending it.
type SkipMarker struct {
	UserID    string          `json:"user_id"`
	HabitID   string          `json:"habit_id"`
	Day       calendar.DayKey `json:"day"`
	Reason    string          `json:"reason,omitempty"`
	Note      string          `json:"note,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DailyAward is the single XP grant for completing every scheduled habit on a day.
type DailyAward struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Day         calendar.DayKey `json:"day"`
	XP          int             `json:"xp"`
	AllComplete bool            `json:"all_complete"`
	GrantedAt   time.Time       `json:"granted_at"`
}

// UserProgress is the materialized XP total and level of a user.
type UserProgress struct {
	UserID        string  `json:"user_id"`
	TotalXP       int     `json:"total_xp"`
	Level         int     `json:"level"`
	LevelProgress float64 `json:"level_progress"`
}

// ResumeToken is an opaque cursor inside a long-running migration step.
type ResumeToken struct {
	StepID string `json:"step_id"`
	Cursor string `json:"cursor"`
}

// MigrationState tracks which migration steps have been applied.
//
// Completed only ever grows. AppliedStep names a step whose data transform
// has been committed but whose completion mark has not.
type MigrationState struct {
	UserID      string       `json:"user_id"`
	Version     int          `json:"version"`
	Completed   []string     `json:"completed"`
	AppliedStep string       `json:"applied_step,omitempty"`
	Resume      *ResumeToken `json:"resume,omitempty"`
}

// IsCompleted reports whether step id has been marked complete.
func (m MigrationState) IsCompleted(id string) bool {
	return slices.Contains(m.Completed, id)
}

// StorageHeader is embedded in every persisted snapshot.
type StorageHeader struct {
	Format        string    `json:"format"`
	SchemaVersion string    `json:"schema_version"`
	SchemaLevel   int       `json:"schema_level"`
	WrittenAt     time.Time `json:"written_at"`
	RecordCount   int       `json:"record_count"`
	Checksum      string    `json:"checksum"`
}

// Tombstone records a deletion so stale replicas cannot recreate the habit.
type Tombstone struct {
	HabitID   string         `json:"habit_id"`
	UserID    string         `json:"user_id"`
	DeletedAt time.Time      `json:"deleted_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Source    DeletionSource `json:"source"`
}

// Live reports whether the tombstone is still in effect at now.
func (t Tombstone) Live(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// DeletionKind distinguishes soft deletes from retention purges.
type DeletionKind string

const (
	DeletionSoft  DeletionKind = "soft"
	DeletionPurge DeletionKind = "purge"
)

// DeletionLogEntry is an append-only audit record of a deletion.
type DeletionLogEntry struct {
	HabitID string         `json:"habit_id"`
	UserID  string         `json:"user_id"`
	Name    string         `json:"name"`
	Kind    DeletionKind   `json:"kind"`
	Source  DeletionSource `json:"source"`
	At      time.Time      `json:"at"`
}
