package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/clock"
	"github.com/roach88/habitcore/internal/config"
	"github.com/roach88/habitcore/internal/habit"
	"github.com/roach88/habitcore/internal/journal"
	"github.com/roach88/habitcore/internal/ledger"
	"github.com/roach88/habitcore/internal/migrate"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/store"
)

// app is the set of services one command invocation works with.
type app struct {
	opts    *RootOptions
	cfg     *config.Config
	logger  *slog.Logger
	out     *OutputFormatter
	clock   clock.Clock
	store   *store.Store
	journal *journal.Journal // nil when the journal is disabled
	cal     *calendar.Service
	habits  *habit.Service
	ledger  *ledger.Service
	migrate *migrate.Runner

	warnings []string
}

// newLogger builds the process logger the way the rest of the CLI formats
// output: JSON records for --format json, text otherwise.
func newLogger(w io.Writer, opts *RootOptions) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func newApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := newLogger(cmd.ErrOrStderr(), opts)

	cfg, err := config.Load(config.Options{
		Path:    opts.ConfigPath,
		EnvFile: opts.EnvFile,
		DataDir: opts.DataDir,
	})
	if err != nil {
		return nil, report(out, ExitCommandError, "failed to load config", err)
	}
	clk := clock.OrSystem(opts.Clock)

	steps := migrate.BuiltinSteps(cfg.XPPerLevel)

	st, err := store.Open(store.Config{
		Dir:         cfg.DataDir,
		BackupDepth: cfg.BackupDepth,
		LockTimeout: cfg.LockTimeout,
		Clock:       clk,
		Logger:      logger,
		Baseline:    migrate.Baseline(steps),
	})
	if err != nil {
		return nil, report(out, ExitCommandError, "failed to open store", err)
	}

	a := &app{opts: opts, cfg: cfg, logger: logger, out: out, clock: clk, store: st}

	var rec journal.Recorder
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, report(out, ExitCommandError, "failed to open journal", err)
		}
		a.journal = j
		rec = j
	}

	a.cal = calendar.New(cfg.DefaultTimeZone)
	a.habits, err = habit.New(habit.Config{
		Store:        st,
		Calendar:     a.cal,
		Clock:        clk,
		IDs:          opts.IDs,
		TombstoneTTL: cfg.TombstoneTTL,
		Journal:      rec,
		Logger:       logger,
	})
	if err != nil {
		a.close()
		return nil, report(out, ExitCommandError, "failed to start habit service", err)
	}
	a.ledger, err = ledger.New(ledger.Config{
		Store:      st,
		Calendar:   a.cal,
		Clock:      clk,
		XPPerAward: cfg.XPPerAward,
		XPPerLevel: cfg.XPPerLevel,
		Journal:    rec,
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, report(out, ExitCommandError, "failed to start ledger", err)
	}

	var remote migrate.Switch
	if cfg.SwitchFile != "" {
		remote = migrate.FileSwitch(cfg.SwitchFile)
	}
	a.migrate, err = migrate.New(migrate.Config{
		Store:      st,
		Steps:      steps,
		Switch:     migrate.FallbackSwitch{Remote: remote, Default: cfg.MigrationsEnabled, Logger: logger},
		XPPerLevel: cfg.XPPerLevel,
		Clock:      clk,
		Journal:    rec,
		Logger:     logger,
	})
	if err != nil {
		a.close()
		return nil, report(out, ExitCommandError, "failed to start migration runner", err)
	}
	return a, nil
}

func (a *app) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Error("error closing journal", "error", err)
		}
	}
}

func (a *app) recorder() journal.Recorder {
	if a.journal == nil {
		return nil
	}
	return a.journal
}

// prepare runs before every data command: it records a recovered load in
// the journal and brings the user's snapshot to the latest schema. A
// disabled migration switch becomes a warning.
func (a *app) prepare(ctx context.Context, userID string) error {
	_, info, err := a.store.Load(ctx, userID)
	if err != nil {
		return err
	}
	a.noteRecovery(ctx, userID, info)

	res, err := a.migrate.RunIfNeeded(ctx, userID)
	switch {
	case model.IsMigrationDisabled(err):
		a.warnings = append(a.warnings, "migrations are disabled; continuing on unmigrated data")
	case err != nil:
		return err
	case len(res.Applied) > 0:
		a.out.VerboseLog("migrated %s to level %d (%d steps)", userID, res.To, len(res.Applied))
	}
	return nil
}

// noteRecovery warns about and journals a load that fell back past the
// primary snapshot.
func (a *app) noteRecovery(ctx context.Context, userID string, info store.LoadInfo) {
	if !info.Recovered() {
		return
	}
	a.warnings = append(a.warnings, fmt.Sprintf("snapshot for %s recovered from %s", userID, info.Source))
	journal.RecordBestEffort(ctx, a.recorder(), a.logger, journal.Event{
		UserID:     userID,
		Kind:       journal.KindRecovery,
		Payload:    map[string]any{"source": string(info.Source), "path": info.Path, "skipped": info.Skipped},
		RecordedAt: a.clock.Now(),
	})
}

// day resolves a --day flag, defaulting to today in the user's zone.
func (a *app) day(ctx context.Context, userID, flag string) (calendar.DayKey, error) {
	if flag == "" {
		return a.habits.Today(ctx, userID)
	}
	d, err := calendar.ParseDayKey(flag)
	if err != nil {
		return "", model.NewValidationError("cli.day", userID, []string{err.Error()})
	}
	return d, nil
}

func (a *app) success(data any) error {
	return a.out.Success(data, a.warnings...)
}

// report prints err through out and returns the ExitError for it.
func report(out *OutputFormatter, code int, message string, err error) error {
	_ = out.Error(ErrorCode(err), fmt.Sprintf("%s: %v", message, err), details(err))
	return WrapExitError(code, message, err)
}

func details(err error) any {
	var e *model.Error
	if errors.As(err, &e) && len(e.Details) > 0 {
		return e.Details
	}
	return nil
}

// runData runs fn for a data command: build the app, prepare the user,
// run, and report failures with the right exit code.
func runData(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.prepare(ctx, opts.User); err != nil {
		return report(a.out, ExitFailure, "failed to prepare data", err)
	}
	if err := fn(ctx, a); err != nil {
		return report(a.out, ExitFailure, cmd.Name()+" failed", err)
	}
	return nil
}
