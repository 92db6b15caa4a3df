// Package model defines the habitcore data model and its integrity rules.
//
// One Dataset holds everything persisted for a user:
//   - Habits: definitions with schedule and soft-deletion marker
//   - Completions: one CompletionRecord per (user, habit, day key)
//   - Skips: days intentionally skipped per habit
//   - Awards: at most one DailyAward per (user, day key)
//   - Progress: materialized XP total, equal to the sum of award XP
//   - Migration: applied migration steps and resume cursor
//   - Tombstones and DeletionLog: deletion propagation and audit trail
//
// Derived facts (is a day complete, streak length) are computed from the
// normalized records rather than stored on the habit.
//
// # Error taxonomy
//
// All components report failures as *Error with one of the ErrorCode values.
// Use errors.Is with the package sentinels (ErrIO, ErrCorruption, ...) or the
// Is* helpers to branch on category through wrapping.
package model
