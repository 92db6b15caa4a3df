package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/ledger"
)

// RecordResult is the output of complete and skip.
type RecordResult struct {
	HabitID string          `json:"habit_id"`
	Day     calendar.DayKey `json:"day"`
	Action  string          `json:"action"`
	Count   int             `json:"count,omitempty"`
	Award   ledger.Outcome  `json:"award"`
}

func (r RecordResult) renderText(w io.Writer) {
	switch r.Action {
	case "completed":
		fmt.Fprintf(w, "%s %s on %s (count %d)\n", r.HabitID, r.Action, r.Day, r.Count)
	default:
		fmt.Fprintf(w, "%s %s on %s\n", r.HabitID, r.Action, r.Day)
	}
	if r.Award != ledger.Unchanged {
		fmt.Fprintf(w, "daily award %s\n", r.Award)
	}
}

// AwardResult is the output of grant and revoke.
type AwardResult struct {
	Day     calendar.DayKey `json:"day"`
	Changed bool            `json:"changed"`
	Outcome ledger.Outcome  `json:"outcome"`
}

func (r AwardResult) renderText(w io.Writer) {
	if !r.Changed {
		fmt.Fprintf(w, "award for %s unchanged\n", r.Day)
		return
	}
	fmt.Fprintf(w, "award for %s %s\n", r.Day, r.Outcome)
}

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		day   string
		count int
		undo  bool
	)
	cmd := &cobra.Command{
		Use:   "complete <habit-id>",
		Short: "Record a completion and update the day's award",
		Long: `Record that a habit was done on a day, then grant the daily award if
every habit scheduled that day is now complete.

--count sets the completion count for habits with a target above one.
--undo removes the day's record and revokes the award if needed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				user, habitID := rootOpts.User, args[0]
				d, err := a.day(ctx, user, day)
				if err != nil {
					return err
				}
				res := RecordResult{HabitID: habitID, Day: d}
				switch {
				case undo:
					if _, err := a.habits.ClearCompletion(ctx, user, habitID, d); err != nil {
						return err
					}
					res.Action = "cleared"
				case cmd.Flags().Changed("count"):
					rec, err := a.habits.RecordCompletion(ctx, user, habitID, d, count)
					if err != nil {
						return err
					}
					res.Action, res.Count = "completed", rec.Count
				default:
					rec, err := a.habits.Complete(ctx, user, habitID, d)
					if err != nil {
						return err
					}
					res.Action, res.Count = "completed", rec.Count
				}
				if res.Award, err = a.ledger.Reconcile(ctx, user, d); err != nil {
					return err
				}
				return a.success(res)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day YYYY-MM-DD (default today in the user's zone)")
	cmd.Flags().IntVar(&count, "count", 0, "completion count")
	cmd.Flags().BoolVar(&undo, "undo", false, "remove the day's completion")
	return cmd
}

// NewSkipCommand creates the skip command.
func NewSkipCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		day    string
		reason string
		note   string
		undo   bool
	)
	cmd := &cobra.Command{
		Use:   "skip <habit-id>",
		Short: "Mark a day as intentionally skipped",
		Long: `Mark a habit as skipped on a day. A skipped day keeps the habit's streak
alive without extending it. Skips do not count toward the daily award.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				user, habitID := rootOpts.User, args[0]
				d, err := a.day(ctx, user, day)
				if err != nil {
					return err
				}
				res := RecordResult{HabitID: habitID, Day: d, Action: "skipped"}
				if undo {
					if _, err := a.habits.Unskip(ctx, user, habitID, d); err != nil {
						return err
					}
					res.Action = "unskipped"
				} else if _, err := a.habits.Skip(ctx, user, habitID, d, reason, note); err != nil {
					return err
				}
				if res.Award, err = a.ledger.Reconcile(ctx, user, d); err != nil {
					return err
				}
				return a.success(res)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day YYYY-MM-DD (default today in the user's zone)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the day was skipped")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	cmd.Flags().BoolVar(&undo, "undo", false, "remove the skip marker")
	return cmd
}

// NewGrantCommand creates the grant command.
func NewGrantCommand(rootOpts *RootOptions) *cobra.Command {
	return newAwardCommand(rootOpts, "grant", "Grant the daily award if every scheduled habit is complete",
		func(ctx context.Context, l *ledger.Service, user string, d calendar.DayKey) (bool, error) {
			return l.GrantIfAllComplete(ctx, user, d)
		}, ledger.Granted)
}

// NewRevokeCommand creates the revoke command.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	return newAwardCommand(rootOpts, "revoke", "Revoke the daily award if any scheduled habit is incomplete",
		func(ctx context.Context, l *ledger.Service, user string, d calendar.DayKey) (bool, error) {
			return l.RevokeIfAnyIncomplete(ctx, user, d)
		}, ledger.Revoked)
}

func newAwardCommand(rootOpts *RootOptions, use, short string,
	fn func(context.Context, *ledger.Service, string, calendar.DayKey) (bool, error), outcome ledger.Outcome) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				d, err := a.day(ctx, rootOpts.User, day)
				if err != nil {
					return err
				}
				changed, err := fn(ctx, a.ledger, rootOpts.User, d)
				if err != nil {
					return err
				}
				res := AwardResult{Day: d, Changed: changed, Outcome: ledger.Unchanged}
				if changed {
					res.Outcome = outcome
				}
				return a.success(res)
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day YYYY-MM-DD (default today in the user's zone)")
	return cmd
}
