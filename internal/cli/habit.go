package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/habitcore/internal/calendar"
	"github.com/roach88/habitcore/internal/habit"
	"github.com/roach88/habitcore/internal/model"
)

// HabitList is the output of habit list.
type HabitList struct {
	Habits []model.Habit `json:"habits"`
}

func (l HabitList) renderText(w io.Writer) {
	if len(l.Habits) == 0 {
		fmt.Fprintln(w, "no habits")
		return
	}
	for _, h := range l.Habits {
		renderHabit(w, h)
	}
}

// HabitResult is the output of the single-habit commands.
type HabitResult struct {
	Habit model.Habit `json:"habit"`
}

func (r HabitResult) renderText(w io.Writer) {
	renderHabit(w, r.Habit)
}

func renderHabit(w io.Writer, h model.Habit) {
	state := ""
	if h.IsDeleted() {
		state = fmt.Sprintf(" [deleted %s by %s]", h.DeletedAt.Format(time.RFC3339), h.DeletionSource)
	}
	fmt.Fprintf(w, "%s  %s  (%s, target %d, since %s)%s\n",
		h.ID, h.Name, formatSchedule(h.Schedule), h.Target(), h.StartDay, state)
}

// ZoneResult is the output of habit zone.
type ZoneResult struct {
	TimeZone string          `json:"time_zone"`
	Today    calendar.DayKey `json:"today"`
}

func (r ZoneResult) renderText(w io.Writer) {
	fmt.Fprintf(w, "time zone %s, today is %s\n", r.TimeZone, r.Today)
}

// NewHabitCommand creates the habit command group.
func NewHabitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "habit",
		Short: "Create, list, change and delete habits",
	}
	cmd.AddCommand(newHabitAddCommand(rootOpts))
	cmd.AddCommand(newHabitListCommand(rootOpts))
	cmd.AddCommand(newHabitUpdateCommand(rootOpts))
	cmd.AddCommand(newHabitDeleteCommand(rootOpts))
	cmd.AddCommand(newHabitZoneCommand(rootOpts))
	return cmd
}

func newHabitAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		schedule string
		target   int
		start    string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a habit",
		Long: `Add a habit to the user's list.

Schedules: "daily", "weekdays:mon,wed,fri" or "interval:N" (every N days
from the start day).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseSchedule(schedule)
			if err != nil {
				return commandError(cmd, rootOpts, err)
			}
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				in := habit.CreateInput{Name: args[0], Schedule: s, TargetCount: target}
				if start != "" {
					d, err := a.day(ctx, rootOpts.User, start)
					if err != nil {
						return err
					}
					in.StartDay = d
				}
				h, err := a.habits.Create(ctx, rootOpts.User, in)
				if err != nil {
					return err
				}
				return a.success(HabitResult{Habit: h})
			})
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "daily", "daily | weekdays:mon,tue,... | interval:N")
	cmd.Flags().IntVar(&target, "target", 0, "completions needed per day (default 1)")
	cmd.Flags().StringVar(&start, "start", "", "start day YYYY-MM-DD (default today)")
	return cmd
}

func newHabitListCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List habits",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				habits, err := a.habits.List(ctx, rootOpts.User, habit.ListOptions{IncludeDeleted: all})
				if err != nil {
					return err
				}
				if habits == nil {
					habits = []model.Habit{}
				}
				return a.success(HabitList{Habits: habits})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include soft-deleted habits")
	return cmd
}

func newHabitUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		name     string
		schedule string
		target   int
	)
	cmd := &cobra.Command{
		Use:           "update <habit-id>",
		Short:         "Change a habit's name, schedule or target",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in habit.UpdateInput
			if cmd.Flags().Changed("name") {
				in.Name = &name
			}
			if cmd.Flags().Changed("schedule") {
				s, err := parseSchedule(schedule)
				if err != nil {
					return commandError(cmd, rootOpts, err)
				}
				in.Schedule = &s
			}
			if cmd.Flags().Changed("target") {
				in.TargetCount = &target
			}
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				h, err := a.habits.Update(ctx, rootOpts.User, args[0], in)
				if err != nil {
					return err
				}
				return a.success(HabitResult{Habit: h})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&schedule, "schedule", "", "new schedule")
	cmd.Flags().IntVar(&target, "target", 0, "new daily target")
	return cmd
}

func newHabitDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <habit-id>",
		Short: "Soft-delete a habit",
		Long: `Mark a habit deleted. Its records are kept and it can no longer be
recreated by sync until its tombstone expires.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				h, err := a.habits.Delete(ctx, rootOpts.User, args[0], model.DeletionByUser)
				if err != nil {
					return err
				}
				return a.success(HabitResult{Habit: h})
			})
		},
	}
	return cmd
}

func newHabitZoneCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone [iana-zone]",
		Short: "Show or set the user's time zone",
		Long: `Show the zone used to compute the user's day keys, or set it when a
zone name such as "Europe/Berlin" is given.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runData(cmd, rootOpts, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					if err := a.habits.SetTimeZone(ctx, rootOpts.User, args[0]); err != nil {
						return err
					}
				}
				ds, _, err := a.store.Load(ctx, rootOpts.User)
				if err != nil {
					return err
				}
				tz := ds.TimeZone
				if tz == "" {
					tz = a.cal.Default().String()
				}
				today, err := a.habits.Today(ctx, rootOpts.User)
				if err != nil {
					return err
				}
				return a.success(ZoneResult{TimeZone: tz, Today: today})
			})
		},
	}
	return cmd
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// parseSchedule parses the --schedule flag.
func parseSchedule(s string) (model.Schedule, error) {
	kind, arg, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch kind {
	case "", "daily":
		return model.Daily(), nil
	case "weekdays":
		var days []time.Weekday
		for _, name := range strings.Split(arg, ",") {
			d, ok := weekdayNames[strings.TrimSpace(name)]
			if !ok {
				return model.Schedule{}, fmt.Errorf("unknown weekday %q in schedule %q", name, s)
			}
			days = append(days, d)
		}
		return model.OnWeekdays(days...), nil
	case "interval":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return model.Schedule{}, fmt.Errorf("interval schedule needs a positive day count, got %q", arg)
		}
		return model.EveryNDays(n), nil
	}
	return model.Schedule{}, fmt.Errorf("unknown schedule %q", s)
}

func formatSchedule(s model.Schedule) string {
	switch s.Kind {
	case model.ScheduleWeekdays:
		names := make([]string, len(s.Weekdays))
		for i, d := range s.Weekdays {
			names[i] = strings.ToLower(d.String()[:3])
		}
		return "weekdays:" + strings.Join(names, ",")
	case model.ScheduleInterval:
		return fmt.Sprintf("interval:%d", s.Every)
	}
	return "daily"
}

// commandError reports a flag or argument problem found before any data is
// touched.
func commandError(cmd *cobra.Command, opts *RootOptions, err error) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	return report(out, ExitCommandError, "invalid arguments", err)
}
