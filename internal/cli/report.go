package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/journal"
	"github.com/roach88/habitcore/internal/model"
	"github.com/roach88/habitcore/internal/store"
	"github.com/roach88/habitcore/internal/streak"
)

// StreakReport is the output of the streak command.
type StreakReport struct {
	Day     calendar.DayKey  `json:"day"`
	Streaks []streak.Summary `json:"streaks"`
}

func (r StreakReport) renderText(w io.Writer) {
	if len(r.Streaks) == 0 {
		fmt.Fprintln(w, "no habits")
		return
	}
	for _, s := range r.Streaks {
		fmt.Fprintf(w, "%s  current %d  longest %d  (%s: %s)\n", s.HabitID, s.Current, s.Longest, r.Day, s.Today)
	}
}

// ProgressReport is the output of the progress command.
type ProgressReport struct {
	Progress model.UserProgress `json:"progress"`
	Awards   []model.DailyAward `json:"awards"`
}

func (r ProgressReport) renderText(w io.Writer) {
	p := r.Progress
	fmt.Fprintf(w, "level %d (%d%% to next), %d XP total, %d awards\n",
		p.Level, int(p.LevelProgress*100), p.TotalXP, len(r.Awards))
}

// InspectReport is the output of the inspect command.
type InspectReport struct {
	UserID      string               `json:"user_id"`
	Source      store.Source         `json:"source"`
	Path        string               `json:"path,omitempty"`
	Skipped     []string             `json:"skipped,omitempty"`
	Header      model.StorageHeader  `json:"header"`
	RecordCount int                  `json:"record_count"`
	Migration   model.MigrationState `json:"migration"`
	Pending     []string             `json:"pending"`
	Events      *int                 `json:"journal_events,omitempty"`
	Recent      []journal.Event      `json:"recent_events,omitempty"`
}

func (r InspectReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "user:      %s\n", r.UserID)
	fmt.Fprintf(w, "source:    %s %s\n", r.Source, r.Path)
	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, "skipped:   %s\n", strings.Join(r.Skipped, ", "))
	}
	if r.Header.Checksum != "" {
		fmt.Fprintf(w, "header:    %s %s level %d, %d records, written %s\n",
			r.Header.Format, r.Header.SchemaVersion, r.Header.SchemaLevel, r.Header.RecordCount, r.Header.WrittenAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "records:   %d\n", r.RecordCount)
	fmt.Fprintf(w, "migration: level %d, completed [%s]\n", r.Migration.Version, strings.Join(r.Migration.Completed, ", "))
	if r.Migration.AppliedStep != "" {
		fmt.Fprintf(w, "           %s transform committed, not yet marked complete\n", r.Migration.AppliedStep)
	}
	if len(r.Pending) > 0 {
		fmt.Fprintf(w, "pending:   %s\n", strings.Join(r.Pending, ", "))
	}
	if r.Events != nil {
		fmt.Fprintf(w, "journal:   %d events\n", *r.Events)
	}
	for _, e := range r.Recent {
		fmt.Fprintf(w, "  %s  %-22s %s %s\n", e.RecordedAt.Format(time.RFC3339), e.Kind, e.HabitID, e.Day)
	}
}

// NewStreakCommand creates the streak command.
func NewStreakCommand(rootOpts *RootOptions) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "streak [habit-id]",
		Short: "Show current and longest streaks",
		Long: `Show current and longest streaks as of a day, for one habit or for every
active habit. Skipped days keep a streak alive; unscheduled days are ignored.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				d, err := a.day(ctx, rootOpts.User, day)
				if err != nil {
					return err
				}
				ds, _, err := a.store.Load(ctx, rootOpts.User)
				if err != nil {
					return err
				}
				var ids []string
				if len(args) == 1 {
					ids = args
				} else {
					for _, h := range ds.ActiveHabits() {
						ids = append(ids, h.ID)
					}
				}
				loc := a.cal.Location(ds.TimeZone)
				rep := StreakReport{Day: d, Streaks: []streak.Summary{}}
				for _, id := range ids {
					s, err := streak.Summarize(ds, id, d, loc)
					if err != nil {
						return err
					}
					rep.Streaks = append(rep.Streaks, s)
				}
				return a.success(rep)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "reference day YYYY-MM-DD (default today in the user's zone)")
	return cmd
}

// NewProgressCommand creates the progress command.
func NewProgressCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "progress",
		Short:         "Show XP, level and awards",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				p, err := a.ledger.Progress(ctx, rootOpts.User)
				if err != nil {
					return err
				}
				awards, err := a.ledger.Awards(ctx, rootOpts.User)
				if err != nil {
					return err
				}
				return a.success(ProgressReport{Progress: p, Awards: awards})
			})
		},
	}
	return cmd
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show where the user's snapshot was loaded from and its schema state",
		Long: `Show which file satisfied the load (primary, a backup, memory or none),
the verified header, the migration state and pending steps.

inspect does not migrate, so it shows the snapshot exactly as stored.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rep, err := inspect(ctx, a, rootOpts.User, recent)
			if err != nil {
				return report(a.out, ExitFailure, "inspect failed", err)
			}
			return a.success(rep)
		},
	}
	cmd.Flags().IntVar(&recent, "events", 0, "also list the last N journal events")
	return cmd
}

func inspect(ctx context.Context, a *app, userID string, recent int) (InspectReport, error) {
	ds, info, err := a.store.Load(ctx, userID)
	if err != nil {
		return InspectReport{}, err
	}
	pending, err := a.migrate.Plan(ctx, userID)
	if err != nil {
		return InspectReport{}, err
	}
	rep := InspectReport{
		UserID:      userID,
		Source:      info.Source,
		Path:        info.Path,
		Skipped:     info.Skipped,
		Header:      info.Header,
		RecordCount: ds.RecordCount(),
		Migration:   ds.Migration,
		Pending:     pending,
	}
	if a.journal != nil {
		n, err := a.journal.Count(ctx, userID)
		if err != nil {
			return InspectReport{}, err
		}
		rep.Events = &n
		if recent > 0 {
			events, err := a.journal.Events(ctx, userID, journal.Filter{})
			if err != nil {
				return InspectReport{}, err
			}
			rep.Recent = events[max(0, len(events)-recent):]
		}
	}
	a.noteRecovery(ctx, userID, info)
	return rep, nil
}
