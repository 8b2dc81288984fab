package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/routinesync/internal/engine"
	"github.com/roach88/routinesync/internal/model"
)

// NewRoutinesCommand creates the routines command group.
func NewRoutinesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routines",
		Short: "Manage routine definitions",
	}

	cmd.AddCommand(newRoutinesListCommand(rootOpts))
	cmd.AddCommand(newRoutinesShowCommand(rootOpts))
	cmd.AddCommand(newRoutinesCreateCommand(rootOpts))
	cmd.AddCommand(newRoutinesUpdateCommand(rootOpts))
	cmd.AddCommand(newRoutinesDeleteCommand(rootOpts))
	cmd.AddCommand(newRoutinesRefreshCommand(rootOpts))
	return cmd
}

func newRoutinesListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List cached routines",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				routines, err := eng.Cache.List(ctx)
				if err != nil {
					return exitFor("failed to list routines", err)
				}
				views := routineViews(routines)
				return formatter(cmd, opts).Render(views, func(w io.Writer) {
					if len(views) == 0 {
						fmt.Fprintln(w, "No routines.")
						return
					}
					for _, v := range views {
						writeRoutineLine(w, v)
					}
				})
			})
		},
	}
}

func newRoutinesShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <id>",
		Short:         "Show one cached routine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				r, err := eng.Cache.Get(ctx, args[0])
				if err != nil {
					return exitFor("failed to show routine", err)
				}
				view := routineView(r)
				return formatter(cmd, opts).Render(view, func(w io.Writer) {
					writeRoutineDetail(w, view)
				})
			})
		},
	}
}

// routineFlags holds the editable routine fields as raw flag values.
type routineFlags struct {
	name          string
	cadence       string
	start         string
	end           string
	notifyEnabled bool
	notifyTime    string
	timezone      string
	tags          []string
}

func (f *routineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "routine name")
	cmd.Flags().StringVar(&f.cadence, "cadence", string(model.CadenceDaily), "DAILY|WEEKLY|MONTHLY|YEARLY")
	cmd.Flags().StringVar(&f.start, "start", "", "start date (YYYY-MM-DD, default today)")
	cmd.Flags().StringVar(&f.end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.notifyEnabled, "notify", false, "enable notifications")
	cmd.Flags().StringVar(&f.notifyTime, "notify-time", "", "notification time (HH:MM)")
	cmd.Flags().StringVar(&f.timezone, "timezone", "", "IANA timezone (default: configured timezone)")
	cmd.Flags().StringSliceVar(&f.tags, "tag", nil, "tag (repeatable)")
}

func parseDateFlag(name, value string) (*model.Date, error) {
	if value == "" {
		return nil, nil
	}
	d, err := model.ParseDate(value)
	if err != nil {
		return nil, model.NewValidationError(name, err.Error())
	}
	return &d, nil
}

func parseClockFlag(name, value string) (*model.ClockTime, error) {
	if value == "" {
		return nil, nil
	}
	c, err := model.ParseClockTime(value)
	if err != nil {
		return nil, model.NewValidationError(name, err.Error())
	}
	return &c, nil
}

// fields builds creation input, defaulting the start to today and the
// timezone to the configured one.
func (f *routineFlags) fields(eng *engine.Engine) (model.RoutineFields, error) {
	start, err := parseDateFlag("start", f.start)
	if err != nil {
		return model.RoutineFields{}, err
	}
	if start == nil {
		today := eng.Today()
		start = &today
	}
	end, err := parseDateFlag("end", f.end)
	if err != nil {
		return model.RoutineFields{}, err
	}
	notifyTime, err := parseClockFlag("notify-time", f.notifyTime)
	if err != nil {
		return model.RoutineFields{}, err
	}
	tz := f.timezone
	if tz == "" {
		tz = eng.Location().String()
	}
	return model.RoutineFields{
		Name:          f.name,
		Cadence:       model.Cadence(f.cadence),
		StartDate:     *start,
		EndDate:       end,
		NotifyEnabled: f.notifyEnabled,
		NotifyTime:    notifyTime,
		Timezone:      tz,
		Tags:          f.tags,
	}, nil
}

// patch builds a partial update from the flags the user set.
func (f *routineFlags) patch(cmd *cobra.Command, clearEnd, clearNotifyTime bool) (model.RoutinePatch, error) {
	flags := cmd.Flags()
	p := model.RoutinePatch{ClearEndDate: clearEnd, ClearNotifyTime: clearNotifyTime}

	if flags.Changed("name") {
		p.Name = &f.name
	}
	if flags.Changed("cadence") {
		c := model.Cadence(f.cadence)
		p.Cadence = &c
	}
	if flags.Changed("start") {
		d, err := parseDateFlag("start", f.start)
		if err != nil {
			return p, err
		}
		if d == nil {
			return p, model.NewValidationError("start", "must not be empty")
		}
		p.StartDate = d
	}
	if flags.Changed("end") {
		d, err := parseDateFlag("end", f.end)
		if err != nil {
			return p, err
		}
		p.EndDate = d
	}
	if flags.Changed("notify") {
		p.NotifyEnabled = &f.notifyEnabled
	}
	if flags.Changed("notify-time") {
		c, err := parseClockFlag("notify-time", f.notifyTime)
		if err != nil {
			return p, err
		}
		p.NotifyTime = c
	}
	if flags.Changed("timezone") {
		p.Timezone = &f.timezone
	}
	if flags.Changed("tag") {
		p.Tags = append([]string{}, f.tags...)
	}
	return p, nil
}

func newRoutinesCreateCommand(opts *RootOptions) *cobra.Command {
	flags := &routineFlags{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a routine (waits for the remote)",
		Long: `Create a routine on the remote and cache the confirmed copy.

Nothing is cached until the remote answers, so a failed create leaves no
trace locally.

Example:
  routinesync routines create --name Water --tag health
  routinesync routines create --name Stretch --cadence WEEKLY --start 2025-02-01 --end 2025-03-01`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				fields, err := flags.fields(eng)
				if err != nil {
					return exitFor("invalid routine", err)
				}
				r, err := eng.Cache.Create(ctx, fields)
				if err != nil {
					return exitFor("failed to create routine", err)
				}
				view := routineView(r)
				return formatter(cmd, opts).Render(view, func(w io.Writer) {
					fmt.Fprintf(w, "Created %s (%s)\n", view.Name, view.ID)
				})
			})
		},
	}
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRoutinesUpdateCommand(opts *RootOptions) *cobra.Command {
	flags := &routineFlags{}
	var clearEnd, clearNotifyTime bool

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a routine (applied locally first)",
		Long: `Update a routine. The change is visible locally at once and rolled
back if the remote does not confirm it.

Only the flags given are changed.

Example:
  routinesync routines update r1 --name "Drink water"
  routinesync routines update r1 --clear-end`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := flags.patch(cmd, clearEnd, clearNotifyTime)
			if err != nil {
				return exitFor("invalid update", err)
			}
			if patch.IsEmpty() {
				return NewExitError(ExitCommandError, "nothing to update: give at least one field flag")
			}
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.Cache.Update(ctx, args[0], patch); err != nil {
					return exitFor("failed to update routine", err)
				}
				r, err := eng.Cache.Get(ctx, args[0])
				if err != nil {
					return exitFor("failed to read routine", err)
				}
				view := routineView(r)
				return formatter(cmd, opts).Render(view, func(w io.Writer) {
					fmt.Fprintf(w, "Updated %s (%s)\n", view.Name, view.ID)
				})
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&clearEnd, "clear-end", false, "remove the end date")
	cmd.Flags().BoolVar(&clearNotifyTime, "clear-notify-time", false, "remove the notification time")
	return cmd
}

func newRoutinesDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete a routine (applied locally first)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.Cache.Delete(ctx, args[0]); err != nil {
					return exitFor("failed to delete routine", err)
				}
				return formatter(cmd, opts).Render(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %s\n", args[0])
				})
			})
		},
	}
}

func newRoutinesRefreshCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "refresh",
		Short:         "Pull the routine list from the remote",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.Cache.Refresh(ctx)
				if err != nil {
					return exitFor("failed to refresh routines", err)
				}
				return formatter(cmd, opts).Render(map[string]int{"refreshed": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Refreshed %d routine(s)\n", n)
				})
			})
		},
	}
}
