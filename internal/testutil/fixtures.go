package testutil

import (
	"time"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/model"
)

// DatasetBuilder assembles a model.Dataset fluently for tests.
type DatasetBuilder struct {
	ds  *model.Dataset
	now time.Time
}

// NewDataset starts a builder for userID. Records are stamped with now.
func NewDataset(userID string, now time.Time) *DatasetBuilder {
	return &DatasetBuilder{ds: model.NewDataset(userID), now: now}
}

// TimeZone sets the dataset's zone.
func (b *DatasetBuilder) TimeZone(tz string) *DatasetBuilder {
	b.ds.TimeZone = tz
	return b
}

// Habit adds an active habit with the given schedule starting on start.
func (b *DatasetBuilder) Habit(id, name string, start calendar.DayKey, s model.Schedule) *DatasetBuilder {
	b.ds.Habits = append(b.ds.Habits, model.Habit{
		ID:        id,
		UserID:    b.ds.UserID,
		Name:      name,
		Schedule:  s,
		StartDay:  start,
		CreatedAt: b.now,
		UpdatedAt: b.now,
	})
	return b
}

// Daily adds a daily habit starting on start.
func (b *DatasetBuilder) Daily(id string, start calendar.DayKey) *DatasetBuilder {
	return b.Habit(id, id, start, model.Daily())
}

// Deleted soft-deletes habit id at at.
func (b *DatasetBuilder) Deleted(id string, at time.Time, source model.DeletionSource) *DatasetBuilder {
	if i := b.ds.HabitIndex(id); i >= 0 {
		b.ds.Habits[i].DeletedAt = &at
		b.ds.Habits[i].DeletionSource = source
	}
	return b
}

// Done marks habit id completed on each day.
func (b *DatasetBuilder) Done(id string, days ...calendar.DayKey) *DatasetBuilder {
	for _, d := range days {
		at := b.now
		b.ds.Completions = append(b.ds.Completions, model.CompletionRecord{
			UserID:      b.ds.UserID,
			HabitID:     id,
			Day:         d,
			Completed:   true,
			Count:       1,
			CompletedAt: &at,
			UpdatedAt:   b.now,
		})
	}
	return b
}

// Skipped marks habit id skipped on each day.
func (b *DatasetBuilder) Skipped(id string, days ...calendar.DayKey) *DatasetBuilder {
	for _, d := range days {
		b.ds.Skips = append(b.ds.Skips, model.SkipMarker{
			UserID:    b.ds.UserID,
			HabitID:   id,
			Day:       d,
			CreatedAt: b.now,
		})
	}
	return b
}

// Award adds a granted award for day and keeps progress consistent.
func (b *DatasetBuilder) Award(day calendar.DayKey, xp int) *DatasetBuilder {
	b.ds.Awards = append(b.ds.Awards, model.DailyAward{
		ID:          model.AwardID(b.ds.UserID, day),
		UserID:      b.ds.UserID,
		Day:         day,
		XP:          xp,
		AllComplete: true,
		GrantedAt:   b.now,
	})
	b.ds.Progress.TotalXP += xp
	return b
}

// Migrated marks the dataset as fully migrated to level with steps.
func (b *DatasetBuilder) Migrated(level int, steps ...string) *DatasetBuilder {
	b.ds.Migration.Version = level
	b.ds.Migration.Completed = append(b.ds.Migration.Completed, steps...)
	return b
}

// Build returns the dataset with level fields derived from TotalXP.
func (b *DatasetBuilder) Build() *model.Dataset {
	ds := b.ds.Clone()
	ds.Progress = model.ComputeProgress(ds.UserID, ds.Progress.TotalXP, 500)
	return ds
}
