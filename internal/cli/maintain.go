package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/habitcore/internal/maintenance"
)

// MaintainResult is the output of a single maintenance pass.
type MaintainResult struct {
	maintenance.Report
}

func (r MaintainResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "%d users: %d temp files removed, %d habits purged, %d tombstones collected\n",
		r.Users, r.TempFilesRemoved, r.HabitsPurged, r.TombstonesCollected)
	if len(r.Failed) > 0 {
		fmt.Fprintf(w, "failed: %s\n", strings.Join(r.Failed, ", "))
	}
}

// NewMaintainCommand creates the maintain command.
func NewMaintainCommand(rootOpts *RootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run housekeeping over every stored user",
		Long: `Remove temp files left by interrupted writes, purge soft-deleted habits
older than the retention period and collect expired tombstones.

With --watch, run on the configured maintenance_schedule until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintain(cmd, rootOpts, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running on the maintenance schedule")
	return cmd
}

func runMaintain(cmd *cobra.Command, opts *RootOptions, watch bool) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := maintenance.New(maintenance.Config{
		Store:     a.store,
		Habits:    a.habits,
		Retention: a.cfg.Retention,
		Schedule:  a.cfg.MaintenanceSchedule,
		Logger:    a.logger,
	})
	if err != nil {
		return report(a.out, ExitCommandError, "invalid maintenance settings", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if watch {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		done, err := r.Start(ctx)
		if err != nil {
			return report(a.out, ExitCommandError, "failed to schedule maintenance", err)
		}
		a.out.VerboseLog("maintenance scheduled (%s), waiting for interrupt", a.cfg.MaintenanceSchedule)
		<-done
		return nil
	}

	rep, err := r.RunOnce(ctx)
	if err != nil {
		return report(a.out, ExitFailure, fmt.Sprintf("maintenance failed for %d of %d users", len(rep.Failed), rep.Users), err)
	}
	return a.success(MaintainResult{rep})
}
