package habit

import (
	"context"
	"fmt"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/model"
)

// checkDay validates that habit h can take a record on day.
func (s *Service) checkDay(op string, ds *model.Dataset, h model.Habit, day calendar.DayKey) error {
	if !day.Valid() {
		return model.NewValidationError(op, ds.UserID, []string{fmt.Sprintf("invalid day key %q", day)})
	}
	today := s.cal.Today(s.clock, s.zoneOf(ds))
	if day.After(today) {
		return model.NewValidationError(op, ds.UserID, []string{fmt.Sprintf("day %s is in the future", day)})
	}
	if h.StartDay != "" && day.Before(h.StartDay) {
		return model.NewValidationError(op, ds.UserID, []string{fmt.Sprintf("day %s is before habit start %s", day, h.StartDay)})
	}
	return nil
}

func (s *Service) liveHabit(op string, ds *model.Dataset, habitID string) (model.Habit, error) {
	h, ok := ds.Habit(habitID)
	if !ok {
		return model.Habit{}, notFound(op, ds.UserID, habitID)
	}
	if h.IsDeleted() {
		return model.Habit{}, deletedError(op, ds.UserID, habitID)
	}
	return h, nil
}

// RecordCompletion sets the completion count of habitID on day, creating the
// record if needed. There is at most one record per (user, habit, day).
func (s *Service) RecordCompletion(ctx context.Context, userID, habitID string, day calendar.DayKey, count int) (model.CompletionRecord, error) {
	const op = "habit.record_completion"
	if count < 0 {
		return model.CompletionRecord{}, model.NewValidationError(op, userID, []string{fmt.Sprintf("negative count %d", count)})
	}

	var rec model.CompletionRecord
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		h, err := s.liveHabit(op, ds, habitID)
		if err != nil {
			return false, err
		}
		if err := s.checkDay(op, ds, h, day); err != nil {
			return false, err
		}

		now := s.clock.Now()
		done := count >= h.Target()
		i := ds.CompletionIndex(habitID, day)
		if i < 0 {
			rec = model.CompletionRecord{
				UserID:    userID,
				HabitID:   habitID,
				Day:       day,
				Completed: done,
				Count:     count,
				UpdatedAt: now,
			}
			if done {
				rec.CompletedAt = &now
			}
			ds.Completions = append(ds.Completions, rec)
			return true, nil
		}

		r := &ds.Completions[i]
		if r.Count == count && r.Completed == done {
			rec = *r
			return false, nil
		}
		if done && !r.Completed {
			r.CompletedAt = &now
		}
		if !done {
			r.CompletedAt = nil
		}
		r.Count = count
		r.Completed = done
		r.UpdatedAt = now
		rec = *r
		return true, nil
	})
	if err != nil {
		return model.CompletionRecord{}, err
	}
	return rec, nil
}

// Complete marks habitID fully done on day.
func (s *Service) Complete(ctx context.Context, userID, habitID string, day calendar.DayKey) (model.CompletionRecord, error) {
	h, err := s.Get(ctx, userID, habitID)
	if err != nil {
		return model.CompletionRecord{}, err
	}
	return s.RecordCompletion(ctx, userID, habitID, day, h.Target())
}

// ClearCompletion removes the completion record of habitID on day.
// It reports whether a record was removed.
func (s *Service) ClearCompletion(ctx context.Context, userID, habitID string, day calendar.DayKey) (bool, error) {
	removed := false
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		i := ds.CompletionIndex(habitID, day)
		if i < 0 {
			return false, nil
		}
		ds.Completions = append(ds.Completions[:i], ds.Completions[i+1:]...)
		removed = true
		return true, nil
	})
	return removed, err
}

// Skip marks habitID as intentionally skipped on day. Skipping an already
// skipped day updates the reason and note.
func (s *Service) Skip(ctx context.Context, userID, habitID string, day calendar.DayKey, reason, note string) (model.SkipMarker, error) {
	const op = "habit.skip"
	var marker model.SkipMarker
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		h, err := s.liveHabit(op, ds, habitID)
		if err != nil {
			return false, err
		}
		if err := s.checkDay(op, ds, h, day); err != nil {
			return false, err
		}

		if i := ds.SkipIndex(habitID, day); i >= 0 {
			m := &ds.Skips[i]
			if m.Reason == reason && m.Note == note {
				marker = *m
				return false, nil
			}
			m.Reason = reason
			m.Note = note
			marker = *m
			return true, nil
		}
		marker = model.SkipMarker{
			UserID:    userID,
			HabitID:   habitID,
			Day:       day,
			Reason:    reason,
			Note:      note,
			CreatedAt: s.clock.Now(),
		}
		ds.Skips = append(ds.Skips, marker)
		return true, nil
	})
	if err != nil {
		return model.SkipMarker{}, err
	}
	return marker, nil
}

// Unskip removes the skip marker of habitID on day.
func (s *Service) Unskip(ctx context.Context, userID, habitID string, day calendar.DayKey) (bool, error) {
	removed := false
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		i := ds.SkipIndex(habitID, day)
		if i < 0 {
			return false, nil
		}
		ds.Skips = append(ds.Skips[:i], ds.Skips[i+1:]...)
		removed = true
		return true, nil
	})
	return removed, err
}
