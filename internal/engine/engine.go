package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/routinesync/internal/cache"
	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/config"
	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/ids"
	"github.com/roach88/routinesync/internal/live"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/queue"
	"github.com/roach88/routinesync/internal/retry"
	"github.com/roach88/routinesync/internal/stats"
	"github.com/roach88/routinesync/internal/store"
)

// Options configures Open.
type Options struct {
	Config config.Config

	// Gateway overrides the HTTP client built from Config.API.
	Gateway gateway.Gateway

	// Sessions overrides the session store persisted in the database.
	Sessions identity.SessionStore

	// ValidateSignIn checks new sessions against the remote before saving.
	ValidateSignIn bool

	// Clock, OpIDs and GuestIDs default to the system clock, UUIDv7 and
	// random UUIDs.
	Clock    clock.Clock
	OpIDs    ids.Generator
	GuestIDs ids.Generator

	// OnRemoteStatsError receives failed best-effort statistics fetches.
	OnRemoteStatsError func(error)

	Logger *slog.Logger
}

// Engine is the composition root.
//
// Thread-safety: all methods are safe for concurrent use; Run must be
// called from at most one goroutine at a time.
type Engine struct {
	Store      *store.Store
	Identity   *identity.Resolver
	Gateway    gateway.Gateway
	Cache      *cache.Manager
	Queue      *queue.Queue
	Dispatcher *queue.Dispatcher
	Stats      *stats.Projector

	hub     *live.Hub
	cfg     config.Config
	clock   clock.Clock
	loc     *time.Location
	logger  *slog.Logger
	ownerCh chan model.OwnerKey

	closeOnce sync.Once
}

// Open opens the database at Config.Database and wires every component.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sessions := opts.Sessions
	if sessions == nil {
		stored, err := identity.LoadStoredSessions(ctx, st)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load session: %w", err)
		}
		sessions = stored
	}

	retryPolicy := retry.Policy{
		Attempts:  cfg.Retry.Attempts,
		BaseDelay: cfg.Retry.BaseDelay.D(),
		Retryable: model.IsTransient,
	}

	idOpts := []identity.Option{identity.WithLogger(logger)}
	if opts.GuestIDs != nil {
		idOpts = append(idOpts, identity.WithGenerator(opts.GuestIDs))
	}
	if opts.ValidateSignIn {
		idOpts = append(idOpts, identity.WithValidator(remoteValidator(cfg, logger), retryPolicy))
	}
	resolver, err := identity.Open(ctx, st, sessions, idOpts...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open identity: %w", err)
	}

	gw := opts.Gateway
	if gw == nil {
		gw = gateway.NewClient(cfg.API.BaseURL, resolver,
			gateway.WithTimeout(cfg.API.Timeout.D()),
			gateway.WithLogger(logger))
	}

	hub := live.NewHub(st, logger)
	dispatcher := queue.NewDispatcher(queue.Options{
		Store:     st,
		Gateway:   gw,
		Clock:     clk,
		BatchSize: cfg.Dispatcher.BatchSize,
		Backoff: retry.Backoff{
			Base: cfg.Dispatcher.BackoffBase.D(),
			Max:  cfg.Dispatcher.BackoffMax.D(),
		},
		PollInterval: cfg.Dispatcher.PollInterval.D(),
		Logger:       logger,
	})

	e := &Engine{
		Store:    st,
		Identity: resolver,
		Gateway:  gw,
		Cache: cache.New(cache.Options{
			Store:          st,
			Hub:            hub,
			Gateway:        gw,
			Owner:          resolver,
			Clock:          clk,
			Location:       loc,
			Retry:          retryPolicy,
			PruneOnRefresh: cfg.Cache.PruneOnRefresh,
			Logger:         logger,
		}),
		Queue: queue.NewQueue(queue.QueueOptions{
			Store:  st,
			Owner:  resolver,
			Notify: dispatcher,
			IDs:    opts.OpIDs,
			Clock:  clk,
			Logger: logger,
		}),
		Dispatcher: dispatcher,
		Stats: stats.NewProjector(stats.ProjectorOptions{
			Store:         st,
			Hub:           hub,
			Gateway:       gw,
			Owner:         resolver,
			Clock:         clk,
			Retry:         retryPolicy,
			OnRemoteError: opts.OnRemoteStatsError,
			Logger:        logger,
		}),
		hub:     hub,
		cfg:     cfg,
		clock:   clk,
		loc:     loc,
		logger:  logger,
		ownerCh: make(chan model.OwnerKey, 1),
	}

	resolver.OnChange(e.ownerChanged)
	return e, nil
}

// Close stops live queries and closes the database.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.hub.Close()
		err = e.Store.Close()
	})
	return err
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Owner returns the active owner.
func (e *Engine) Owner() model.OwnerKey {
	return e.Identity.CurrentOwnerKey()
}

// Today returns the current local date.
func (e *Engine) Today() model.Date {
	return clock.Today(e.clock, e.loc)
}

// Location returns the configured timezone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// ToggleToday records today's completion state of routineID locally and,
// when completed, queues the completion event for the remote. It never
// blocks on the network.
func (e *Engine) ToggleToday(ctx context.Context, routineID string, completed bool) (model.CompletionMark, error) {
	if _, err := e.Cache.Get(ctx, routineID); err != nil {
		return model.CompletionMark{}, model.WithOp("completion.toggle", err)
	}

	if !completed {
		return e.Cache.SetCompletionLocal(ctx, routineID, false)
	}
	mark, err := e.Cache.TodayMark(routineID, true)
	if err != nil {
		return model.CompletionMark{}, model.WithOp("completion.toggle", err)
	}
	// The mark and its queue entry commit together.
	if _, err := e.Queue.EnqueueCompletion(ctx, mark); err != nil {
		return model.CompletionMark{}, err
	}
	return mark, nil
}

// TodayItem is one routine on today's list.
type TodayItem struct {
	Routine   model.Routine
	Completed bool
}

// TodayList returns the routines active today with their completion state,
// ordered by name.
func (e *Engine) TodayList(ctx context.Context) ([]TodayItem, error) {
	today := e.Today()
	routines, err := e.Cache.List(ctx)
	if err != nil {
		return nil, err
	}
	done, err := e.Store.CompletedRoutineIDs(ctx, e.Owner(), today)
	if err != nil {
		return nil, model.NewStorageError("today.list", err)
	}

	items := make([]TodayItem, 0, len(routines))
	for _, r := range routines {
		if !r.ActiveOn(today) {
			continue
		}
		items = append(items, TodayItem{Routine: r, Completed: slices.Contains(done, r.ID)})
	}
	slices.SortFunc(items, func(a, b TodayItem) int {
		return cmp.Or(cmp.Compare(a.Routine.Name, b.Routine.Name), cmp.Compare(a.Routine.ID, b.Routine.ID))
	})
	return items, nil
}

// Status summarizes the local state of the active owner.
type Status struct {
	Owner   model.OwnerKey
	Guest   bool
	Pending int
	Online  bool
}

// Status reports the active owner and its queue depth.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	n, err := e.Queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	owner := e.Owner()
	return Status{
		Owner:   owner,
		Guest:   owner.IsGuest(),
		Pending: n,
		Online:  e.Dispatcher.Online(),
	}, nil
}

// DrainNow synchronously drains the active owner's queue.
func (e *Engine) DrainNow(ctx context.Context) (int, error) {
	return e.Dispatcher.DrainNow(ctx, e.Owner())
}

// SetOnline forwards a connectivity change to the dispatcher.
func (e *Engine) SetOnline(online bool) {
	e.Dispatcher.ConnectivityChanged(online)
}

// Run drives the dispatcher and refreshes the active owner's routines every
// Cache.RefreshInterval until ctx ends. The refresh also tracks
// connectivity: a transient failure marks the engine offline and the next
// success marks it online again, which cancels pending backoffs and
// drains every owner with queued entries. Owner changes trigger an
// immediate refresh and drain.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "owner", e.Owner(), "db", e.cfg.Database)

	var wg sync.WaitGroup
	dispatchErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatchErr <- e.Dispatcher.Run(ctx)
	}()

	e.refresh(ctx)

	var tick <-chan time.Time
	if interval := e.cfg.Cache.RefreshInterval.D(); interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			e.logger.Info("engine stopped")
			if err := <-dispatchErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		case <-tick:
			e.refresh(ctx)
		case owner := <-e.ownerCh:
			e.logger.Info("owner changed", "owner", owner)
			e.Dispatcher.Trigger(owner)
			e.refresh(ctx)
		}
	}
}

func (e *Engine) refresh(ctx context.Context) {
	n, err := e.Cache.Refresh(ctx)
	switch {
	case err == nil:
		e.Dispatcher.ConnectivityChanged(true)
		e.logger.Debug("routine cache refreshed", "count", n)
	case ctx.Err() != nil:
	case model.IsTransient(err) && e.cfg.Cache.RefreshInterval.D() > 0:
		// Only go offline when a later tick can bring us back.
		e.logger.Warn("routine refresh failed; remote unreachable", "error", err)
		e.Dispatcher.ConnectivityChanged(false)
	default:
		e.logger.Warn("routine refresh failed", "error", err)
	}
}

// ownerChanged runs on the identity listener; the latest owner wins.
func (e *Engine) ownerChanged(owner model.OwnerKey) {
	select {
	case e.ownerCh <- owner:
		return
	default:
	}
	select {
	case <-e.ownerCh:
	default:
	}
	select {
	case e.ownerCh <- owner:
	default:
	}
}

// remoteValidator checks a new session by listing routines with its token.
func remoteValidator(cfg config.Config, logger *slog.Logger) identity.Validator {
	return func(ctx context.Context, sess identity.Session) error {
		client := gateway.NewClient(cfg.API.BaseURL, bearerCredentials(sess.Token),
			gateway.WithTimeout(cfg.API.Timeout.D()),
			gateway.WithLogger(logger))
		_, err := client.ListRoutines(ctx)
		return err
	}
}

type bearerCredentials string

func (b bearerCredentials) Credentials(context.Context) (identity.Credentials, error) {
	return identity.Credentials{BearerToken: string(b)}, nil
}
