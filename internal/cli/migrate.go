package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/habitcore/internal/migrate"
	"github.com/roach88/habitcore/internal/model"
)

// MigrateResult is the output of the migrate command.
type MigrateResult struct {
	DryRun bool             `json:"dry_run"`
	Users  []MigrateOutcome `json:"users"`
}

// MigrateOutcome is the migration outcome for one user.
type MigrateOutcome struct {
	UserID  string   `json:"user_id"`
	From    int      `json:"from"`
	To      int      `json:"to"`
	Pending []string `json:"pending,omitempty"`
	Applied []string `json:"applied,omitempty"`
	Resumed []string `json:"resumed,omitempty"`
	Writes  int      `json:"writes"`
}

func (r MigrateResult) renderText(w io.Writer) {
	for _, u := range r.Users {
		switch {
		case r.DryRun && len(u.Pending) == 0:
			fmt.Fprintf(w, "%s: up to date (level %d)\n", u.UserID, u.From)
		case r.DryRun:
			fmt.Fprintf(w, "%s: would apply %s\n", u.UserID, strings.Join(u.Pending, ", "))
		case len(u.Applied) == 0:
			fmt.Fprintf(w, "%s: up to date (level %d)\n", u.UserID, u.To)
		default:
			fmt.Fprintf(w, "%s: level %d -> %d, applied %s (%d writes)\n",
				u.UserID, u.From, u.To, strings.Join(u.Applied, ", "), u.Writes)
		}
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var all, dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring stored snapshots to the latest schema level",
		Long: `Apply every pending migration step to the user's snapshot.

Each step commits twice, so a crash at any point resumes cleanly on the
next run. A snapshot already at the latest level is not rewritten.
Exits with code 3 when the migration kill switch is off.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, rootOpts, all, dryRun)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "migrate every stored user")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending steps without applying them")

	return cmd
}

func runMigrate(cmd *cobra.Command, opts *RootOptions, all, dryRun bool) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	users := []string{opts.User}
	if all {
		if users, err = a.store.Users(ctx); err != nil {
			return report(a.out, ExitFailure, "failed to list users", err)
		}
	}

	result := MigrateResult{DryRun: dryRun, Users: []MigrateOutcome{}}
	for _, userID := range users {
		var outcome MigrateOutcome
		if dryRun {
			outcome, err = planUser(ctx, a, userID)
		} else {
			outcome, err = migrateUser(ctx, a.migrate, userID)
		}
		if model.IsMigrationDisabled(err) {
			return report(a.out, ExitMigrationsDisabled, "migrations are disabled", err)
		}
		if err != nil {
			return report(a.out, ExitFailure, "migration failed for "+userID, err)
		}
		result.Users = append(result.Users, outcome)
	}
	return a.success(result)
}

func planUser(ctx context.Context, a *app, userID string) (MigrateOutcome, error) {
	ds, _, err := a.store.Load(ctx, userID)
	if err != nil {
		return MigrateOutcome{}, err
	}
	pending, err := a.migrate.Plan(ctx, userID)
	if err != nil {
		return MigrateOutcome{}, err
	}
	return MigrateOutcome{
		UserID:  userID,
		From:    ds.Migration.Version,
		To:      ds.Migration.Version,
		Pending: pending,
	}, nil
}

func migrateUser(ctx context.Context, r *migrate.Runner, userID string) (MigrateOutcome, error) {
	res, err := r.RunIfNeeded(ctx, userID)
	if err != nil {
		return MigrateOutcome{}, err
	}
	return MigrateOutcome{
		UserID:  userID,
		From:    res.From,
		To:      res.To,
		Applied: res.Applied,
		Resumed: res.Resumed,
		Writes:  res.Writes,
	}, nil
}
