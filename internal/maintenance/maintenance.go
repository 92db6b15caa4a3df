// Package maintenance runs the periodic housekeeping jobs: removing crash
// leftovers, purging soft-deleted habits past retention and collecting
// expired tombstones.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/habitcore/internal/habit"
	"github.com/roach88/habitcore/internal/store"
)

// DefaultSchedule runs maintenance once a day at midnight.
const DefaultSchedule = "@daily"

// parallelUsers bounds how many users are processed at once.
const parallelUsers = 4

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "habitcore_maintenance_runs_total",
	Help: "Maintenance passes by result (ok, partial)",
}, []string{"result"})

// Config configures a Runner.
type Config struct {
	Store  *store.Store
	Habits *habit.Service

	// Retention is how long soft-deleted habits are kept. Zero disables
	// purging.
	Retention time.Duration

	// Schedule is a standard cron spec or descriptor. Empty means DefaultSchedule.
	Schedule string

	Logger *slog.Logger
}

// Runner performs maintenance passes.
type Runner struct {
	store     *store.Store
	habits    *habit.Service
	retention time.Duration
	schedule  string
	logger    *slog.Logger
}

// Report summarizes one pass.
type Report struct {
	Users               int      `json:"users"`
	TempFilesRemoved    int      `json:"temp_files_removed"`
	HabitsPurged        int      `json:"habits_purged"`
	TombstonesCollected int      `json:"tombstones_collected"`
	Failed              []string `json:"failed,omitempty"`
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil || cfg.Habits == nil {
		return nil, fmt.Errorf("maintenance: store and habit service are required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     cfg.Store,
		habits:    cfg.Habits,
		retention: cfg.Retention,
		schedule:  schedule,
		logger:    logger.With("component", "maintenance"),
	}, nil
}

// RunOnce runs one pass over every stored user. A failure for one user does
// not stop the others; the failures are joined into the returned error.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	users, err := r.store.Users(ctx)
	if err != nil {
		return Report{}, err
	}

	var (
		mu   sync.Mutex
		rep  = Report{Users: len(users)}
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelUsers)
	for _, userID := range users {
		g.Go(func() error {
			temp, purged, collected, err := r.runUser(gctx, userID)
			mu.Lock()
			defer mu.Unlock()
			rep.TempFilesRemoved += temp
			rep.HabitsPurged += purged
			rep.TombstonesCollected += collected
			if err != nil {
				rep.Failed = append(rep.Failed, userID)
				errs = append(errs, fmt.Errorf("maintenance %s: %w", userID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	result := "ok"
	if len(errs) > 0 {
		result = "partial"
	}
	runsTotal.WithLabelValues(result).Inc()
	r.logger.Info("maintenance pass complete",
		"users", rep.Users, "temp_removed", rep.TempFilesRemoved,
		"purged", rep.HabitsPurged, "tombstones", rep.TombstonesCollected, "failed", len(rep.Failed))
	return rep, errors.Join(errs...)
}

func (r *Runner) runUser(ctx context.Context, userID string) (temp, purged, collected int, err error) {
	if temp, err = r.store.CleanTemp(ctx, userID); err != nil {
		return temp, 0, 0, err
	}
	if r.retention > 0 {
		if purged, err = r.habits.PurgeDeleted(ctx, userID, r.retention); err != nil {
			return temp, purged, 0, err
		}
	}
	collected, err = r.habits.CollectTombstones(ctx, userID)
	return temp, purged, collected, err
}

// Start schedules RunOnce on the configured schedule until ctx is done.
// The returned channel closes once the scheduler has stopped and any
// running pass has finished.
func (r *Runner) Start(ctx context.Context) (<-chan struct{}, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("maintenance pass failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.logger.Info("maintenance scheduled", "schedule", r.schedule)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(done)
	}()
	return done, nil
}
