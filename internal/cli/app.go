package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/routinesync/internal/config"
	"github.com/roach88/routinesync/internal/engine"
	"github.com/roach88/routinesync/internal/model"
)

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// newLogger builds the stderr text logger. --verbose forces debug level.
func newLogger(opts *RootOptions, cfg config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openEngine loads the config and opens the engine. The caller must Close it.
func openEngine(cmd *cobra.Command, opts *RootOptions, validateSignIn bool) (*engine.Engine, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(opts, cfg)
	slog.SetDefault(logger)

	eng, err := engine.Open(commandContext(cmd), engine.Options{
		Config:         cfg,
		ValidateSignIn: validateSignIn,
		Logger:         logger,
	})
	if err != nil {
		return nil, exitFor("failed to open engine", err)
	}
	return eng, nil
}

// withEngine opens the engine, runs fn and closes the engine.
func withEngine(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, eng *engine.Engine) error) error {
	eng, err := openEngine(cmd, opts, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			slog.Error("error closing engine", "error", closeErr)
		}
	}()
	return fn(commandContext(cmd), eng)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// exitFor maps an engine error to an exit code. Input and remote
// rejections are failures of the request; everything else is a command
// error.
func exitFor(message string, err error) *ExitError {
	switch model.KindOf(err) {
	case model.KindValidation, model.KindRejected, model.KindNotFound:
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}
