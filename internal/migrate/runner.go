// Package migrate applies ordered, versioned upgrades to user datasets.
//
// Each pending step is applied as two individually recoverable commits:
//
//  1. the transformed dataset, with MigrationState.AppliedStep naming the step
//  2. the step added to MigrationState.Completed and the version bumped
//
// Both are read-modify-writes of the freshest stored dataset, so records
// written by other processes while a run is in progress survive it. A crash
// after (1) resumes at (2) without re-running the transform; a crash inside
// a long step resumes from its last checkpoint. On a fully migrated dataset
// RunIfNeeded performs no writes.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/habitcore/internal/clock"
	"github.com/roach88/habitcore/internal/journal"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/store"
)

// maxAttempts bounds restarts after another process moved the migration
// state underneath a run.
const maxAttempts = 3

var stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "habitcore_migration_steps_total",
	Help: "Migration steps by id and result (applied, resumed, error, disabled)",
}, []string{"step", "result"})

// errStateMoved marks a commit refused because the stored migration state
// no longer matches what the run started from. See commit for what each
// commit may change.
var errStateMoved = errors.New("migration state changed by another writer")

// Config configures a Runner.
type Config struct {
	Store *store.Store

	// Steps defaults to BuiltinSteps(XPPerLevel).
	Steps []Step

	// Switch defaults to StaticSwitch(true).
	Switch Switch

	// XPPerLevel feeds the built-in progress rebuild. Zero means 500.
	XPPerLevel int

	Clock   clock.Clock
	Journal journal.Recorder
	Logger  *slog.Logger
}

// Runner runs pending steps for a user. Safe for concurrent use; concurrent
// runs for one user are coalesced.
type Runner struct {
	store   *store.Store
	steps   []Step
	sw      Switch
	clock   clock.Clock
	journal journal.Recorder
	logger  *slog.Logger
	runs    singleflight.Group

	// afterTransform runs between the two commits of a step. Tests use it
	// to simulate a crash.
	afterTransform func(stepID string) error

	// afterCheckpoint runs after a checkpoint commit.
	afterCheckpoint func(stepID, cursor string) error
}

// Result summarizes one run.
type Result struct {
	UserID string `json:"user_id"`

	// From and To are the schema levels before and after the run.
	From int `json:"from"`
	To   int `json:"to"`

	// Applied lists the steps completed by this run, in order.
	Applied []string `json:"applied"`

	// Resumed lists steps that continued from a checkpoint or from a
	// committed transform.
	Resumed []string `json:"resumed,omitempty"`

	// Writes counts store commits.
	Writes int `json:"writes"`
}

// New validates the step list and creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("migrate: store is required")
	}
	xpPerLevel := cfg.XPPerLevel
	if xpPerLevel == 0 {
		xpPerLevel = 500
	}
	steps := cfg.Steps
	if steps == nil {
		steps = BuiltinSteps(xpPerLevel)
	}
	if err := checkSteps(steps); err != nil {
		return nil, err
	}
	sw := cfg.Switch
	if sw == nil {
		sw = StaticSwitch(true)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   cfg.Store,
		steps:   slices.Clone(steps),
		sw:      sw,
		clock:   clock.OrSystem(cfg.Clock),
		journal: journal.OrNop(cfg.Journal),
		logger:  logger.With("component", "migrate"),
	}, nil
}

func checkSteps(steps []Step) error {
	ids := make(map[string]bool, len(steps))
	prev := 0
	for _, s := range steps {
		switch {
		case s.ID == "":
			return fmt.Errorf("migrate: step with empty id")
		case ids[s.ID]:
			return fmt.Errorf("migrate: duplicate step %s", s.ID)
		case s.Version <= prev:
			return fmt.Errorf("migrate: step %s version %d not after %d", s.ID, s.Version, prev)
		case s.Apply == nil:
			return fmt.Errorf("migrate: step %s has no Apply", s.ID)
		}
		ids[s.ID] = true
		prev = s.Version
	}
	return nil
}

// Steps returns the configured steps in apply order.
func (r *Runner) Steps() []Step {
	return slices.Clone(r.steps)
}

// Latest is the schema level a fully migrated dataset reaches.
func (r *Runner) Latest() int {
	if len(r.steps) == 0 {
		return 0
	}
	return r.steps[len(r.steps)-1].Version
}

// Baseline is the migration state of a dataset that has every step in
// steps applied. Stores stamp it on new users' datasets.
func Baseline(steps []Step) model.MigrationState {
	state := model.MigrationState{Completed: []string{}}
	for _, s := range steps {
		state.Completed = append(state.Completed, s.ID)
		state.Version = max(state.Version, s.Version)
	}
	return state
}

// Pending returns the steps state still needs, in apply order.
func (r *Runner) Pending(state model.MigrationState) []Step {
	var out []Step
	for _, s := range r.steps {
		if !state.IsCompleted(s.ID) {
			out = append(out, s)
		}
	}
	return out
}

// Plan returns the ids of the steps a run would apply for userID, without
// writing anything.
func (r *Runner) Plan(ctx context.Context, userID string) ([]string, error) {
	ds, _, err := r.store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, s := range r.Pending(ds.Migration) {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// RunIfNeeded brings userID's dataset to the latest schema level.
//
// When the switch reports migrations disabled it fails fast with an error
// matching model.ErrMigrationDisabled; callers decide whether to proceed
// on unmigrated data.
func (r *Runner) RunIfNeeded(ctx context.Context, userID string) (Result, error) {
	enabled, err := r.sw.MigrationsEnabled(ctx)
	if err != nil {
		return Result{UserID: userID}, fmt.Errorf("migrate %s: read switch: %w", userID, err)
	}
	if !enabled {
		stepsTotal.WithLabelValues("", "disabled").Inc()
		r.logger.Warn("migrations disabled", "user_id", userID)
		return Result{UserID: userID}, model.NewMigrationDisabledError(userID)
	}

	v, err, _ := r.runs.Do(userID, func() (any, error) {
		return r.run(ctx, userID)
	})
	res, _ := v.(Result)
	res.Applied = slices.Clone(res.Applied)
	res.Resumed = slices.Clone(res.Resumed)
	return res, err
}

func (r *Runner) run(ctx context.Context, userID string) (Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := r.runOnce(ctx, userID)
		if err == nil || !errors.Is(err, errStateMoved) || attempt == maxAttempts {
			return res, err
		}
		r.logger.Info("migration state moved, restarting run", "user_id", userID, "attempt", attempt)
	}
}

func (r *Runner) runOnce(ctx context.Context, userID string) (Result, error) {
	ds, info, err := r.store.Load(ctx, userID)
	if err != nil {
		return Result{UserID: userID}, err
	}
	res := Result{UserID: userID, From: ds.Migration.Version, To: ds.Migration.Version, Applied: []string{}}

	pending := r.Pending(ds.Migration)
	if len(pending) == 0 && ds.Migration.AppliedStep == "" {
		return res, nil
	}
	if info.Source == store.SourceEmpty && ds.RecordCount() == 0 {
		// Nothing stored yet.
		return res, nil
	}

	for _, step := range pending {
		ds, err = r.apply(ctx, ds, step, &res)
		if err != nil {
			stepsTotal.WithLabelValues(step.ID, "error").Inc()
			return res, fmt.Errorf("migrate %s: step %s: %w", userID, step.ID, err)
		}
		res.To = ds.Migration.Version
	}
	return res, nil
}

// apply runs one step's two commits. ds is the committed state the run
// has observed; its migration state is the base both commits check.
func (r *Runner) apply(ctx context.Context, ds *model.Dataset, step Step, res *Result) (*model.Dataset, error) {
	userID := ds.UserID
	logger := r.logger.With("user_id", userID, "step", step.ID)
	base := ds.Migration
	resumed := base.AppliedStep == step.ID

	if !resumed {
		sc := &StepContext{
			UserID: userID,
			Now:    r.clock.Now(),
			Logger: logger,
			stepID: step.ID,
		}
		if tok := base.Resume; tok != nil && tok.StepID == step.ID {
			sc.Cursor = tok.Cursor
			resumed = true
			logger.Info("resuming migration step", "cursor", tok.Cursor)
		}
		for {
			sc.next = ""
			committed, err := r.commit(ctx, userID, base, func(cur *model.Dataset) error {
				sc.Dataset = cur
				if err := step.Apply(ctx, sc); err != nil && !errors.Is(err, errCheckpoint) {
					return err
				}
				cur.Migration = base
				cur.Migration.Completed = slices.Clone(base.Completed)
				if sc.next != "" {
					cur.Migration.Resume = &model.ResumeToken{StepID: step.ID, Cursor: sc.next}
				} else {
					cur.Migration.AppliedStep = step.ID
					cur.Migration.Resume = nil
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			res.Writes++
			base = committed.Migration
			if sc.next == "" {
				break
			}
			sc.Cursor = sc.next
			logger.Debug("migration checkpoint", "cursor", sc.Cursor)
			if r.afterCheckpoint != nil {
				if err := r.afterCheckpoint(step.ID, sc.Cursor); err != nil {
					return nil, err
				}
			}
		}

		if r.afterTransform != nil {
			if err := r.afterTransform(step.ID); err != nil {
				return nil, err
			}
		}
	} else {
		logger.Info("completing migration step whose transform was already committed")
	}

	done := base
	done.Completed = slices.Clone(base.Completed)
	if !done.IsCompleted(step.ID) {
		done.Completed = append(done.Completed, step.ID)
	}
	done.Version = max(done.Version, step.Version)
	done.AppliedStep = ""
	done.Resume = nil
	committed, err := r.commit(ctx, userID, base, func(cur *model.Dataset) error {
		cur.Migration = done
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Writes++
	res.Applied = append(res.Applied, step.ID)

	result := "applied"
	if resumed {
		result = "resumed"
		res.Resumed = append(res.Resumed, step.ID)
	}
	stepsTotal.WithLabelValues(step.ID, result).Inc()
	logger.Info("migration step complete", "version", committed.Migration.Version, "resumed", resumed)
	journal.RecordBestEffort(ctx, r.journal, r.logger, journal.Event{
		UserID:     userID,
		Kind:       journal.KindMigrationStep,
		Payload:    map[string]any{"step": step.ID, "version": step.Version, "resumed": resumed},
		RecordedAt: r.clock.Now(),
	})
	return committed, nil
}

// commit runs fn on the freshest stored dataset under the writer lock,
// provided the stored migration state still equals base. fn sees every
// record other writers committed since the run started, so nothing they
// wrote is lost.
//
// The transform commit (and each checkpoint) may change any record, and
// sets only AppliedStep or Resume in the migration state. The completion
// commit changes nothing but the migration state.
func (r *Runner) commit(ctx context.Context, userID string, base model.MigrationState, fn func(cur *model.Dataset) error) (*model.Dataset, error) {
	return r.store.Update(ctx, userID, func(cur *model.Dataset) (bool, error) {
		if !sameState(cur.Migration, base) {
			return false, &model.Error{
				Code:    model.CodeConcurrencyViolation,
				Op:      "migrate.commit",
				UserID:  userID,
				Message: "stored migration state differs from the run's",
				Err:     errStateMoved,
			}
		}
		if err := fn(cur); err != nil {
			return false, err
		}
		return true, nil
	})
}

func sameState(a, b model.MigrationState) bool {
	if a.Version != b.Version || a.AppliedStep != b.AppliedStep || !slices.Equal(a.Completed, b.Completed) {
		return false
	}
	switch {
	case a.Resume == nil && b.Resume == nil:
		return true
	case a.Resume == nil || b.Resume == nil:
		return false
	}
	return *a.Resume == *b.Resume
}
