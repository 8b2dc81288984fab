package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/config"
	"github.com/roach88/routinesync/internal/engine"
	"github.com/roach88/routinesync/internal/gateway/gatewaytest"
	"github.com/roach88/routinesync/internal/ids"
)

// DefaultGuestID is the guest id of deterministic environments.
const DefaultGuestID = "guest-1"

// EnvOptions configures OpenEnv.
type EnvOptions struct {
	// Dir holds the database. Required.
	Dir string

	// Now is the initial clock instant. Default: Epoch.
	Now time.Time

	// Timezone for "today". Default: UTC.
	Timezone string

	// GuestID is the persisted guest id. Default: DefaultGuestID.
	GuestID string

	// PruneOnRefresh enables stale-row pruning.
	PruneOnRefresh bool

	// BackoffBase and BackoffMax override the dispatcher backoff.
	// Default: 5ms and 50ms.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RefreshInterval enables the periodic refresh of Engine.Run.
	// Default: off.
	RefreshInterval time.Duration

	// Logger defaults to a logger that discards everything.
	Logger *slog.Logger
}

// Env is an engine wired to an in-process fake remote, with a fixed clock,
// a fixed guest id and sequential opIds ("op-1", "op-2", ...).
type Env struct {
	Engine *engine.Engine
	Remote *gatewaytest.Server
	Clock  *clock.Fixed
	Config config.Config
}

// OpenEnv builds an environment. Call Close when done.
func OpenEnv(ctx context.Context, opts EnvOptions) (*Env, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("testutil: EnvOptions.Dir is required")
	}
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	if opts.GuestID == "" {
		opts.GuestID = DefaultGuestID
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clk := NewClock(opts.Now)
	remote := gatewaytest.New(gatewaytest.WithClock(clk))

	cfg := config.Default()
	cfg.Database = filepath.Join(opts.Dir, "routinesync.db")
	cfg.API.BaseURL = remote.URL()
	cfg.API.Timeout = config.Duration(5 * time.Second)
	cfg.Timezone = opts.Timezone
	cfg.Dispatcher.BackoffBase = config.Duration(5 * time.Millisecond)
	cfg.Dispatcher.BackoffMax = config.Duration(50 * time.Millisecond)
	cfg.Dispatcher.PollInterval = 0
	cfg.Retry.BaseDelay = config.Duration(time.Millisecond)
	cfg.Cache.PruneOnRefresh = opts.PruneOnRefresh
	cfg.Cache.RefreshInterval = config.Duration(opts.RefreshInterval)
	if opts.BackoffBase > 0 {
		cfg.Dispatcher.BackoffBase = config.Duration(opts.BackoffBase)
	}
	if opts.BackoffMax > 0 {
		cfg.Dispatcher.BackoffMax = config.Duration(opts.BackoffMax)
	}
	if err := cfg.Validate(); err != nil {
		remote.Close()
		return nil, err
	}

	eng, err := engine.Open(ctx, engine.Options{
		Config:   cfg,
		Clock:    clk,
		OpIDs:    ids.NewSequenceGenerator("op"),
		GuestIDs: ids.NewFixedGenerator(opts.GuestID),
		Logger:   logger,
	})
	if err != nil {
		remote.Close()
		return nil, err
	}
	return &Env{Engine: eng, Remote: remote, Clock: clk, Config: cfg}, nil
}

// Close releases the engine and the fake remote.
func (e *Env) Close() error {
	err := e.Engine.Close()
	e.Remote.Close()
	return err
}

// NewEnv opens an environment in a temporary directory that is closed when
// the test ends.
func NewEnv(t testing.TB, opts EnvOptions) *Env {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.Logger == nil && testing.Verbose() {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	env, err := OpenEnv(context.Background(), opts)
	if err != nil {
		t.Fatalf("open test env: %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}
