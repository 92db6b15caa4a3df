// Package ledger maintains daily awards and the XP they carry.
//
// The invariant: exactly one DailyAward per (user, day key), present if and
// only if every habit scheduled that day met its goal. UserProgress.TotalXP
// always equals the sum of award XP.
//
// All mutations of one (user, day key) run one at a time through a keyed
// lock, and each grant or revoke is a single store transaction carrying both
// the award change and the XP change.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/clock"
	"github.com/roach88/habitcore/internal/journal"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/store"
)

const (
	// DefaultXPPerAward is the XP granted for a fully completed day.
	DefaultXPPerAward = 100

	// DefaultXPPerLevel is the XP needed per level.
	DefaultXPPerLevel = 500
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "habitcore_ledger_operations_total",
	Help: "Ledger operations by kind and outcome (applied, noop, error)",
}, []string{"op", "result"})

// Outcome is the effect of Reconcile.
type Outcome string

const (
	Unchanged Outcome = "unchanged"
	Granted   Outcome = "granted"
	Revoked   Outcome = "revoked"
)

// Config configures a Service.
type Config struct {
	Store      *store.Store
	Calendar   *calendar.Service
	Clock      clock.Clock
	XPPerAward int
	XPPerLevel int
	Journal    journal.Recorder
	Logger     *slog.Logger
}

// Service is the reward ledger. Safe for concurrent use.
type Service struct {
	store      *store.Store
	cal        *calendar.Service
	clock      clock.Clock
	xpPerAward int
	xpPerLevel int
	journal    journal.Recorder
	logger     *slog.Logger
	locks      *keyLock
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if cfg.XPPerAward < 0 || cfg.XPPerLevel < 0 {
		return nil, fmt.Errorf("ledger: xp settings must not be negative")
	}
	xpAward := cfg.XPPerAward
	if xpAward == 0 {
		xpAward = DefaultXPPerAward
	}
	xpLevel := cfg.XPPerLevel
	if xpLevel == 0 {
		xpLevel = DefaultXPPerLevel
	}
	cal := cfg.Calendar
	if cal == nil {
		cal = calendar.New("")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      cfg.Store,
		cal:        cal,
		clock:      clock.OrSystem(cfg.Clock),
		xpPerAward: xpAward,
		xpPerLevel: xpLevel,
		journal:    journal.OrNop(cfg.Journal),
		logger:     logger.With("component", "ledger"),
		locks:      newKeyLock(),
	}, nil
}

func lockKey(userID string, day calendar.DayKey) string {
	return userID + "|" + string(day)
}

type result struct {
	outcome Outcome
	err     error
}

// serialized runs fn alone for (userID, day).
//
// fn runs on a context detached from the caller's cancellation: a caller may
// stop waiting, but a started grant or revoke still runs to completion or
// failure. The store's lock timeout bounds how long fn can block.
func (s *Service) serialized(ctx context.Context, userID string, day calendar.DayKey, fn func(context.Context) (Outcome, error)) (Outcome, error) {
	if !day.Valid() {
		return Unchanged, model.NewValidationError("ledger", userID, []string{fmt.Sprintf("invalid day key %q", day)})
	}
	if err := ctx.Err(); err != nil {
		return Unchanged, err
	}

	work := context.WithoutCancel(ctx)
	done := make(chan result, 1)
	go func() {
		unlock := s.locks.lock(lockKey(userID, day))
		defer unlock()
		o, err := fn(work)
		done <- result{outcome: o, err: err}
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		return Unchanged, ctx.Err()
	}
}

// GrantIfAllComplete inserts the award for (userID, day) when every habit
// scheduled that day met its goal and no award exists yet. It reports
// whether this call granted it.
func (s *Service) GrantIfAllComplete(ctx context.Context, userID string, day calendar.DayKey) (bool, error) {
	o, err := s.serialized(ctx, userID, day, func(ctx context.Context) (Outcome, error) {
		return s.apply(ctx, userID, day, true, false)
	})
	return o == Granted, err
}

// RevokeIfAnyIncomplete deletes the award for (userID, day) when some
// scheduled habit is no longer complete. It reports whether this call
// revoked it.
func (s *Service) RevokeIfAnyIncomplete(ctx context.Context, userID string, day calendar.DayKey) (bool, error) {
	o, err := s.serialized(ctx, userID, day, func(ctx context.Context) (Outcome, error) {
		return s.apply(ctx, userID, day, false, true)
	})
	return o == Revoked, err
}

// Reconcile grants or revokes as the day's completion state requires.
// Call it after any change to a day's completions, skips or habits.
func (s *Service) Reconcile(ctx context.Context, userID string, day calendar.DayKey) (Outcome, error) {
	return s.serialized(ctx, userID, day, func(ctx context.Context) (Outcome, error) {
		return s.apply(ctx, userID, day, true, true)
	})
}

// apply runs one store transaction that may grant and/or revoke.
// The caller holds the key lock.
func (s *Service) apply(ctx context.Context, userID string, day calendar.DayKey, grant, revoke bool) (Outcome, error) {
	op := "reconcile"
	switch {
	case grant && !revoke:
		op = "grant"
	case revoke && !grant:
		op = "revoke"
	}

	outcome := Unchanged
	var award model.DailyAward
	var progress model.UserProgress

	_, err := s.store.Update(ctx, userID, func(ds *model.Dataset) (bool, error) {
		outcome = Unchanged
		complete, scheduled := ds.AllComplete(day, s.cal.Location(ds.TimeZone))
		i := ds.AwardIndex(day)

		switch {
		case grant && i < 0 && complete:
			award = model.DailyAward{
				ID:          model.AwardID(userID, day),
				UserID:      userID,
				Day:         day,
				XP:          s.xpPerAward,
				AllComplete: true,
				GrantedAt:   s.clock.Now(),
			}
			ds.Awards = append(ds.Awards, award)
			ds.Progress = model.ComputeProgress(userID, ds.Progress.TotalXP+award.XP, s.xpPerLevel)
			outcome = Granted

		case revoke && i >= 0 && !complete:
			award = ds.Awards[i]
			ds.Awards = slices.Delete(ds.Awards, i, i+1)
			ds.Progress = model.ComputeProgress(userID, ds.Progress.TotalXP-award.XP, s.xpPerLevel)
			outcome = Revoked

		default:
			s.logger.Debug("ledger no-op",
				"user_id", userID, "day_key", day, "op", op,
				"complete", complete, "scheduled", scheduled, "has_award", i >= 0)
			return false, nil
		}

		if dups := model.CheckInvariants(ds); len(dups) > 0 {
			return false, model.NewConcurrencyViolation("ledger."+op, userID, dups)
		}
		progress = ds.Progress
		return true, nil
	})
	if err != nil {
		operationsTotal.WithLabelValues(op, "error").Inc()
		return Unchanged, err
	}
	if outcome == Unchanged {
		operationsTotal.WithLabelValues(op, "noop").Inc()
		return Unchanged, nil
	}

	operationsTotal.WithLabelValues(op, "applied").Inc()
	kind := journal.KindAwardGranted
	if outcome == Revoked {
		kind = journal.KindAwardRevoked
	}
	s.logger.Info("award "+string(outcome), "user_id", userID, "day_key", day, "xp", award.XP, "total_xp", progress.TotalXP)
	journal.RecordBestEffort(ctx, s.journal, s.logger, journal.Event{
		UserID:     userID,
		Kind:       kind,
		Day:        day,
		Payload:    map[string]any{"award_id": award.ID, "xp": award.XP, "total_xp": progress.TotalXP},
		RecordedAt: s.clock.Now(),
	})
	return outcome, nil
}

// Progress returns userID's XP total with level derived from the configured
// XP per level.
func (s *Service) Progress(ctx context.Context, userID string) (model.UserProgress, error) {
	ds, _, err := s.store.Load(ctx, userID)
	if err != nil {
		return model.UserProgress{}, err
	}
	return model.ComputeProgress(userID, ds.Progress.TotalXP, s.xpPerLevel), nil
}

// Awards returns userID's awards ordered by day.
func (s *Service) Awards(ctx context.Context, userID string) ([]model.DailyAward, error) {
	ds, _, err := s.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	awards := slices.Clone(ds.Awards)
	slices.SortFunc(awards, func(a, b model.DailyAward) int {
		switch {
		case a.Day.Before(b.Day):
			return -1
		case a.Day.After(b.Day):
			return 1
		}
		return 0
	})
	return awards, nil
}

// ReconcileToday reconciles the user's current day in their zone.
func (s *Service) ReconcileToday(ctx context.Context, userID string) (calendar.DayKey, Outcome, error) {
	ds, _, err := s.store.Load(ctx, userID)
	if err != nil {
		return "", Unchanged, err
	}
	tz := ds.TimeZone
	if tz == "" {
		tz = s.cal.Default().String()
	}
	day := s.cal.Today(s.clock, tz)
	o, err := s.Reconcile(ctx, userID, day)
	return day, o, err
}
