package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/routinesync/internal/engine"
	"github.com/roach88/routinesync/internal/model"
)

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(opts *RootOptions) *cobra.Command {
	var undo bool

	cmd := &cobra.Command{
		Use:   "complete <routine-id>",
		Short: "Mark a routine done today",
		Long: `Mark a routine done (or not done with --undo) for today.

The mark is stored locally at once. Completions are queued and delivered
by "drain" or "run"; undo only changes the local mark.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				mark, err := eng.ToggleToday(ctx, args[0], !undo)
				if err != nil {
					return exitFor("failed to record completion", err)
				}
				view := map[string]any{"routine_id": mark.RoutineID, "date": mark.Date, "completed": mark.Completed}
				return formatter(cmd, opts).Render(view, func(w io.Writer) {
					state := "done"
					if !mark.Completed {
						state = "not done"
					}
					fmt.Fprintf(w, "%s marked %s on %s\n", mark.RoutineID, state, mark.Date)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&undo, "undo", false, "clear today's mark instead")
	return cmd
}

// TodayItemView is the JSON form of one today entry.
type TodayItemView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// NewTodayCommand creates the today command.
func NewTodayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "today",
		Short:         "List routines active today with their marks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				items, err := eng.TodayList(ctx)
				if err != nil {
					return exitFor("failed to list today", err)
				}
				views := make([]TodayItemView, len(items))
				for i, it := range items {
					views[i] = TodayItemView{ID: it.Routine.ID, Name: it.Routine.Name, Completed: it.Completed}
				}
				today := eng.Today()
				return formatter(cmd, opts).Render(views, func(w io.Writer) {
					fmt.Fprintf(w, "Today (%s)\n", today)
					if len(views) == 0 {
						fmt.Fprintln(w, "  nothing scheduled")
						return
					}
					for _, v := range views {
						box := "[ ]"
						if v.Completed {
							box = "[x]"
						}
						fmt.Fprintf(w, "  %s %s (%s)\n", box, v.Name, v.ID)
					}
				})
			})
		},
	}
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drain",
		Short:         "Send queued completions to the remote now",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.DrainNow(ctx)
				if err != nil {
					return exitFor(fmt.Sprintf("drain stopped after %d entries", n), err)
				}
				return formatter(cmd, opts).Render(map[string]int{"synced": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Synced %d completion(s)\n", n)
				})
			})
		},
	}
}

// PendingView is the JSON form of one queued completion.
type PendingView struct {
	OpID        string     `json:"op_id"`
	RoutineID   string     `json:"routine_id"`
	LocalDate   model.Date `json:"local_date"`
	CompletedAt time.Time  `json:"completed_at"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "pending",
		Short:         "List queued completions in send order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				entries, err := eng.Queue.Pending(ctx)
				if err != nil {
					return exitFor("failed to read queue", err)
				}
				views := make([]PendingView, len(entries))
				for i, p := range entries {
					views[i] = PendingView{OpID: p.OpID, RoutineID: p.RoutineID, LocalDate: p.LocalDate, CompletedAt: p.CompletedAt}
				}
				return formatter(cmd, opts).Render(views, func(w io.Writer) {
					if len(views) == 0 {
						fmt.Fprintln(w, "Queue is empty.")
						return
					}
					for _, v := range views {
						fmt.Fprintf(w, "%s  %s  %s\n", v.OpID, v.RoutineID, v.LocalDate)
					}
				})
			})
		},
	}
}
