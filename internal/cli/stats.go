package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/routinesync/internal/engine"
	"github.com/roach88/routinesync/internal/model"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	var (
		month  string
		tz     string
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the monthly completion heatmap",
		Long: `Show the monthly heatmap computed from local data.

With --remote the remote's own projection is fetched and cached as a
snapshot first; the output is still the local projection.

Example:
  routinesync stats --month 2025-02
  routinesync stats --month 2025-02 --tz Europe/Berlin --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				m := eng.Today().MonthOf()
				if month != "" {
					parsed, err := model.ParseMonth(month)
					if err != nil {
						return NewExitError(ExitCommandError, fmt.Sprintf("invalid month %q: want YYYY-MM", month))
					}
					m = parsed
				}
				zone := tz
				if zone == "" {
					zone = eng.Location().String()
				}

				if remote {
					if _, err := eng.Stats.FetchRemote(ctx, zone, m); err != nil {
						formatter(cmd, opts).VerboseLog("remote statistics unavailable: %v", err)
					}
				}

				resp, err := eng.Stats.Monthly(ctx, zone, m)
				if err != nil {
					return exitFor("failed to compute statistics", err)
				}
				return formatter(cmd, opts).Render(resp, func(w io.Writer) {
					writeHeatmap(w, resp)
				})
			})
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month (YYYY-MM, default current)")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone (default: configured timezone)")
	cmd.Flags().BoolVar(&remote, "remote", false, "also fetch and cache the remote projection")
	return cmd
}

func writeHeatmap(w io.Writer, resp model.StatisticsResponse) {
	fmt.Fprintf(w, "%s .. %s (%s)\n", resp.Range.From, resp.Range.ToExclusive, resp.Range.TZ)
	for _, d := range resp.Heatmap {
		if d.Total == 0 {
			continue
		}
		fmt.Fprintf(w, "%s  %d/%d  %3d%%\n", d.Date, d.Count, d.Total, d.Percent)
	}
}
