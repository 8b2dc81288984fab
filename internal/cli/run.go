package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop until interrupted",
		Long: `Run the background sync loop.

The dispatcher delivers queued completions with backoff, and the routine
list is refreshed on start, on sign-in changes and every
cache.refresh_interval. Stops on SIGINT or SIGTERM.

Example:
  routinesync run --config ./routinesync.yaml
  routinesync run --db /tmp/test.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}
	return cmd
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	eng, err := openEngine(cmd, opts, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			slog.Error("error closing engine", "error", closeErr)
		}
	}()

	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := eng.Config()
	slog.Info("engine starting", "db", cfg.Database, "remote", cfg.API.BaseURL, "owner", eng.Owner())
	fmt.Fprintln(cmd.OutOrStdout(), "Sync loop started.")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}
