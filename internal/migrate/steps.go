package migrate

import (
	"context"
	"slices"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/model"
)

// Built-in step ids, in apply order.
const (
	StepNormalizeNames         = "v1-normalize-habit-names"
	StepExtractCompletions     = "v2-extract-embedded-completions"
	StepBackfillDeletionSource = "v3-backfill-deletion-source"
	StepRebuildProgress        = "v4-rebuild-user-progress"
)

// extractBatchSize is how many habits v2 converts between checkpoints.
var extractBatchSize = 50

// BuiltinSteps returns the shipped steps. xpPerLevel feeds the progress
// rebuild and must match the ledger's setting.
func BuiltinSteps(xpPerLevel int) []Step {
	return []Step{
		{
			ID:          StepNormalizeNames,
			Version:     1,
			Description: "NFC-normalize and trim habit names",
			Apply:       normalizeNames,
		},
		{
			ID:          StepExtractCompletions,
			Version:     2,
			Description: "move completion maps embedded in habits into completion records",
			Apply:       extractCompletions,
		},
		{
			ID:          StepBackfillDeletionSource,
			Version:     3,
			Description: "attribute soft deletes that predate deletion sources",
			Apply:       backfillDeletionSource,
		},
		{
			ID:          StepRebuildProgress,
			Version:     model.ProgressInvariantLevel,
			Description: "recompute XP and level from the award ledger",
			Apply: func(ctx context.Context, sc *StepContext) error {
				return rebuildProgress(sc, xpPerLevel)
			},
		},
	}
}

func normalizeNames(_ context.Context, sc *StepContext) error {
	for i := range sc.Dataset.Habits {
		h := &sc.Dataset.Habits[i]
		name := model.NormalizeName(h.Name)
		if name == "" {
			name = h.ID
		}
		h.Name = name
	}
	return nil
}

// extractCompletions converts each habit's legacy completion map into
// CompletionRecords, in habit id order, one batch per call.
// Days that already have a record keep it.
func extractCompletions(ctx context.Context, sc *StepContext) error {
	ds := sc.Dataset

	var ids []string
	for _, h := range ds.Habits {
		if len(h.LegacyHistory) > 0 && h.ID > sc.Cursor {
			ids = append(ids, h.ID)
		}
	}
	slices.Sort(ids)

	for n, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		h := &ds.Habits[ds.HabitIndex(id)]
		target := max(h.TargetCount, 1)

		days := make([]string, 0, len(h.LegacyHistory))
		for raw := range h.LegacyHistory {
			days = append(days, raw)
		}
		slices.Sort(days)

		for _, raw := range days {
			day, err := calendar.ParseDayKey(raw)
			if err != nil {
				sc.Logger.Warn("dropping legacy completion", "user_id", sc.UserID, "habit_id", id, "day_key", raw, "error", err)
				continue
			}
			count := h.LegacyHistory[raw]
			if count <= 0 || ds.CompletionIndex(id, day) >= 0 {
				continue
			}
			ds.Completions = append(ds.Completions, model.CompletionRecord{
				UserID:    ds.UserID,
				HabitID:   id,
				Day:       day,
				Completed: count >= target,
				Count:     count,
				UpdatedAt: sc.Now,
			})
		}
		h.LegacyHistory = nil

		if (n+1)%extractBatchSize == 0 && n+1 < len(ids) {
			return sc.Checkpoint(id)
		}
	}
	return nil
}

// backfillDeletionSource attributes soft deletes without a source to the
// migration and gives each a deletion log entry.
func backfillDeletionSource(_ context.Context, sc *StepContext) error {
	ds := sc.Dataset
	logged := make(map[string]bool, len(ds.DeletionLog))
	for _, e := range ds.DeletionLog {
		logged[e.HabitID] = true
	}
	for i := range ds.Habits {
		h := &ds.Habits[i]
		if h.DeletedAt == nil || h.DeletionSource != "" {
			continue
		}
		h.DeletionSource = model.DeletionByMigration
		if logged[h.ID] {
			continue
		}
		ds.DeletionLog = append(ds.DeletionLog, model.DeletionLogEntry{
			HabitID: h.ID,
			UserID:  ds.UserID,
			Name:    h.Name,
			Kind:    model.DeletionSoft,
			Source:  model.DeletionByMigration,
			At:      *h.DeletedAt,
		})
		logged[h.ID] = true
	}
	return nil
}

// rebuildProgress derives UserProgress from the award ledger.
func rebuildProgress(sc *StepContext, xpPerLevel int) error {
	ds := sc.Dataset
	before := ds.Progress.TotalXP
	ds.Progress = model.ComputeProgress(ds.UserID, ds.AwardedXP(), xpPerLevel)
	if before != ds.Progress.TotalXP {
		sc.Logger.Info("rebuilt progress", "user_id", sc.UserID, "stored_xp", before, "awarded_xp", ds.Progress.TotalXP)
	}
	return nil
}
