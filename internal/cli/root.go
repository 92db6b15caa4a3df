package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/habitcore/internal/clock"
	"github.com/roach88/habitcore/internal/habit"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	EnvFile    string
	DataDir    string
	User       string

	// Clock and IDs override the wall clock and habit id generator (for testing).
	Clock clock.Clock
	IDs   habit.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultUser is the user id commands act on when --user is not given.
const DefaultUser = "default"

// NewRootCommand creates the root command for the habitcore CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "habitcore",
		Short: "habitcore - durable habit records and daily rewards",
		Long: `Manage habits, completions and daily XP awards stored in crash-safe
per-user snapshot files.

Every data command first brings the user's snapshot to the latest schema.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with HABITCORE_* overrides")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides config)")
	cmd.PersistentFlags().StringVarP(&opts.User, "user", "u", DefaultUser, "user id")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewHabitCommand(opts))
	cmd.AddCommand(NewCompleteCommand(opts))
	cmd.AddCommand(NewSkipCommand(opts))
	cmd.AddCommand(NewGrantCommand(opts))
	cmd.AddCommand(NewRevokeCommand(opts))
	cmd.AddCommand(NewStreakCommand(opts))
	cmd.AddCommand(NewProgressCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewMaintainCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
