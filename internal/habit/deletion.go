package habit

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/habitcore/internal/journal"
	"github.com/roach88/habitcore/internal/model"
)

// softDelete marks ds.Habits[i] deleted, appends the deletion log entry and
// (re)arms the habit's tombstone.
func (s *Service) softDelete(ds *model.Dataset, i int, source model.DeletionSource, now time.Time) {
	h := &ds.Habits[i]
	at := now
	h.DeletedAt = &at
	h.DeletionSource = source
	h.UpdatedAt = now

	ds.DeletionLog = append(ds.DeletionLog, model.DeletionLogEntry{
		HabitID: h.ID,
		UserID:  ds.UserID,
		Name:    h.Name,
		Kind:    model.DeletionSoft,
		Source:  source,
		At:      now,
	})

	ds.Tombstones = slices.DeleteFunc(ds.Tombstones, func(t model.Tombstone) bool { return t.HabitID == h.ID })
	ds.Tombstones = append(ds.Tombstones, model.Tombstone{
		HabitID:   h.ID,
		UserID:    ds.UserID,
		DeletedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Source:    source,
	})
}

// Delete soft-deletes habitID. Deleting an already deleted habit changes
// nothing and returns it as stored.
func (s *Service) Delete(ctx context.Context, userID, habitID string, source model.DeletionSource) (model.Habit, error) {
	if source == "" {
		source = model.DeletionByUser
	}
	if !source.Valid() {
		return model.Habit{}, model.NewValidationError("habit.delete", userID, []string{fmt.Sprintf("unknown deletion source %q", source)})
	}

	var (
		deleted model.Habit
		changed bool
	)
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		i := ds.HabitIndex(habitID)
		if i < 0 {
			return false, notFound("habit.delete", userID, habitID)
		}
		if ds.Habits[i].IsDeleted() {
			deleted = ds.Habits[i]
			return false, nil
		}
		s.softDelete(ds, i, source, s.clock.Now())
		deleted = ds.Habits[i]
		changed = true
		return true, nil
	})
	if err != nil {
		return model.Habit{}, err
	}

	if changed {
		s.logger.Info("habit deleted", "user_id", userID, "habit_id", habitID, "source", source)
		journal.RecordBestEffort(ctx, s.journal, s.logger, journal.Event{
			UserID:     userID,
			Kind:       journal.KindHabitDeleted,
			HabitID:    habitID,
			Payload:    map[string]any{"source": string(source)},
			RecordedAt: *deleted.DeletedAt,
		})
	}
	return deleted, nil
}

func tombstonedError(userID, habitID string, at time.Time) error {
	return &model.Error{
		Code:    model.CodeTombstoned,
		Op:      "habit.accept_remote",
		UserID:  userID,
		Message: fmt.Sprintf("habit %s was deleted at %s", habitID, at.UTC().Format(time.RFC3339)),
	}
}

// AcceptRemote applies a habit received from another replica.
//
// A habit with a live tombstone, or one already soft-deleted here, is refused
// with a TOMBSTONED error so a stale device cannot resurrect it. A remote
// deletion is applied as a soft delete with source sync. Otherwise the newer
// definition (by UpdatedAt) wins.
func (s *Service) AcceptRemote(ctx context.Context, userID string, incoming model.Habit) (model.Habit, error) {
	if incoming.ID == "" {
		return model.Habit{}, model.NewValidationError("habit.accept_remote", userID, []string{"habit id is empty"})
	}
	incoming.UserID = userID
	incoming.Name = model.NormalizeName(incoming.Name)

	var (
		result   model.Habit
		rejected error
	)
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		now := s.clock.Now()
		i := ds.HabitIndex(incoming.ID)

		if incoming.IsDeleted() {
			if i < 0 {
				// Never seen here: remember the deletion so a later
				// recreate from another replica is refused.
				expires := incoming.DeletedAt.Add(s.ttl)
				if _, ok := ds.LiveTombstone(incoming.ID, now); ok || !now.Before(expires) {
					return false, nil
				}
				ds.Tombstones = append(ds.Tombstones, model.Tombstone{
					HabitID:   incoming.ID,
					UserID:    userID,
					DeletedAt: *incoming.DeletedAt,
					ExpiresAt: expires,
					Source:    model.DeletionBySync,
				})
				return true, nil
			}
			if ds.Habits[i].IsDeleted() {
				result = ds.Habits[i]
				return false, nil
			}
			s.softDelete(ds, i, model.DeletionBySync, now)
			result = ds.Habits[i]
			return true, nil
		}

		if t, ok := ds.LiveTombstone(incoming.ID, now); ok {
			rejected = tombstonedError(userID, incoming.ID, t.DeletedAt)
			return false, nil
		}
		if i >= 0 && ds.Habits[i].IsDeleted() {
			rejected = tombstonedError(userID, incoming.ID, *ds.Habits[i].DeletedAt)
			return false, nil
		}

		if i < 0 {
			incoming.LegacyHistory = nil
			if incoming.CreatedAt.IsZero() {
				incoming.CreatedAt = now
			}
			if incoming.UpdatedAt.IsZero() {
				incoming.UpdatedAt = now
			}
			ds.Habits = append(ds.Habits, incoming)
			result = incoming
			return true, nil
		}

		local := &ds.Habits[i]
		if !incoming.UpdatedAt.After(local.UpdatedAt) {
			result = *local
			return false, nil
		}
		local.Name = incoming.Name
		local.Schedule = incoming.Schedule
		local.TargetCount = incoming.TargetCount
		local.UpdatedAt = incoming.UpdatedAt
		result = *local
		return true, nil
	})
	if err != nil {
		return model.Habit{}, err
	}

	if rejected != nil {
		s.logger.Warn("refused remote habit", "user_id", userID, "habit_id", incoming.ID)
		journal.RecordBestEffort(ctx, s.journal, s.logger, journal.Event{
			UserID:     userID,
			Kind:       journal.KindRemoteRejected,
			HabitID:    incoming.ID,
			RecordedAt: s.clock.Now(),
		})
		return model.Habit{}, rejected
	}
	return result, nil
}

// PurgeDeleted hard-deletes habits soft-deleted more than retention ago,
// together with their completion records and skip markers. Awards already
// granted are kept. It returns the number of habits purged.
func (s *Service) PurgeDeleted(ctx context.Context, userID string, retention time.Duration) (int, error) {
	var purged []model.Habit
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		purged = nil
		now := s.clock.Now()
		cutoff := now.Add(-retention)

		gone := make(map[string]bool)
		kept := ds.Habits[:0]
		for _, h := range ds.Habits {
			if h.DeletedAt != nil && h.DeletedAt.Before(cutoff) {
				gone[h.ID] = true
				purged = append(purged, h)
				continue
			}
			kept = append(kept, h)
		}
		if len(gone) == 0 {
			return false, nil
		}
		ds.Habits = kept
		ds.Completions = slices.DeleteFunc(ds.Completions, func(c model.CompletionRecord) bool { return gone[c.HabitID] })
		ds.Skips = slices.DeleteFunc(ds.Skips, func(m model.SkipMarker) bool { return gone[m.HabitID] })
		for _, h := range purged {
			ds.DeletionLog = append(ds.DeletionLog, model.DeletionLogEntry{
				HabitID: h.ID,
				UserID:  ds.UserID,
				Name:    h.Name,
				Kind:    model.DeletionPurge,
				Source:  model.DeletionByCleanup,
				At:      now,
			})
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	for _, h := range purged {
		journal.RecordBestEffort(ctx, s.journal, s.logger, journal.Event{
			UserID:     userID,
			Kind:       journal.KindHabitPurged,
			HabitID:    h.ID,
			RecordedAt: s.clock.Now(),
		})
	}
	if len(purged) > 0 {
		s.logger.Info("purged deleted habits", "user_id", userID, "count", len(purged))
	}
	return len(purged), nil
}

// CollectTombstones drops expired tombstones and returns how many were removed.
func (s *Service) CollectTombstones(ctx context.Context, userID string) (int, error) {
	removed := 0
	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		now := s.clock.Now()
		before := len(ds.Tombstones)
		ds.Tombstones = slices.DeleteFunc(ds.Tombstones, func(t model.Tombstone) bool { return !t.Live(now) })
		removed = before - len(ds.Tombstones)
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
