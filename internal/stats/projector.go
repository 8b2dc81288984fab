package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/live"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/retry"
	"github.com/roach88/routinesync/internal/store"
)

// OwnerSource resolves the active owner. Implemented by *identity.Resolver.
type OwnerSource interface {
	CurrentOwnerKey() model.OwnerKey
}

// ProjectorOptions configures a Projector.
type ProjectorOptions struct {
	Store   *store.Store
	Hub     *live.Hub
	Gateway gateway.Gateway
	Owner   OwnerSource
	Clock   clock.Clock

	// Retry governs the best-effort remote fetch.
	// Default: retry.DefaultPolicy().
	Retry retry.Policy

	// OnRemoteError, when set, receives remote fetch failures. It runs on
	// the fetching goroutine.
	OnRemoteError func(error)

	Logger *slog.Logger
}

// Projector is the Live Statistics Projector.
//
// Thread-safety: safe for concurrent use.
type Projector struct {
	store         *store.Store
	hub           *live.Hub
	gw            gateway.Gateway
	owner         OwnerSource
	clock         clock.Clock
	retry         retry.Policy
	onRemoteError func(error)
	logger        *slog.Logger
}

// NewProjector creates a projector.
func NewProjector(opts ProjectorOptions) *Projector {
	p := &Projector{
		store:         opts.Store,
		hub:           opts.Hub,
		gw:            opts.Gateway,
		owner:         opts.Owner,
		clock:         opts.Clock,
		retry:         opts.Retry,
		onRemoteError: opts.OnRemoteError,
		logger:        opts.Logger,
	}
	if p.clock == nil {
		p.clock = clock.System{}
	}
	if p.retry.Attempts == 0 {
		p.retry = retry.DefaultPolicy()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Monthly computes the active owner's statistics for month from the local
// cache.
func (p *Projector) Monthly(ctx context.Context, tz string, month model.Month) (model.StatisticsResponse, error) {
	return p.load(ctx, p.owner.CurrentOwnerKey(), tz, month)
}

func (p *Projector) load(ctx context.Context, owner model.OwnerKey, tz string, month model.Month) (model.StatisticsResponse, error) {
	const op = "stats.monthly"
	routines, err := p.store.ListRoutines(ctx, owner)
	if err != nil {
		return model.StatisticsResponse{}, model.NewStorageError(op, err)
	}
	marks, err := p.store.ListCompletions(ctx, owner, month.First(), month.Next().First())
	if err != nil {
		return model.StatisticsResponse{}, model.NewStorageError(op, err)
	}
	return Compute(routines, marks, month, tz), nil
}

// ObserveMonthly streams the active owner's statistics for month. It emits
// the current projection, then a new one after every change to the owner's
// routines or completion marks, until ctx ends. The stream never depends on
// the network.
//
// Each call also starts a best-effort remote fetch of the same month; its
// outcome is cached as a snapshot or reported to OnRemoteError.
func (p *Projector) ObserveMonthly(ctx context.Context, tz string, month model.Month) <-chan model.StatisticsResponse {
	owner := p.owner.CurrentOwnerKey()
	ch := live.Subscribe(ctx, p.hub, live.Query[model.StatisticsResponse]{
		Key:    fmt.Sprintf("stats/monthly/%s/%s/%s", owner, tz, month),
		Owner:  owner,
		Tables: []store.Table{store.TableRoutines, store.TableCompletions},
		Load: func(ctx context.Context) (model.StatisticsResponse, error) {
			return p.load(ctx, owner, tz, month)
		},
	})

	go func() {
		if _, err := p.fetch(ctx, owner, tz, month); err != nil && !errors.Is(err, context.Canceled) {
			p.reportRemote(err)
		}
	}()
	return ch
}

// FetchRemote fetches the active owner's monthly statistics from the remote
// and caches the raw payload as a snapshot.
func (p *Projector) FetchRemote(ctx context.Context, tz string, month model.Month) (model.StatisticsSnapshot, error) {
	return p.fetch(ctx, p.owner.CurrentOwnerKey(), tz, month)
}

func (p *Projector) fetch(ctx context.Context, owner model.OwnerKey, tz string, month model.Month) (model.StatisticsSnapshot, error) {
	const op = "stats.fetch"
	raw, err := retry.DoValue(identity.WithOwner(ctx, owner), p.retry,
		func(ctx context.Context) ([]byte, error) {
			return p.gw.MonthlyCompletions(ctx, tz, month)
		})
	if err != nil {
		return model.StatisticsSnapshot{}, model.WithOp(op, err)
	}

	snap := model.StatisticsSnapshot{
		Month:      month,
		Timezone:   tz,
		OwnerScope: owner,
		Payload:    raw,
		FetchedAt:  p.clock.Now(),
	}
	if err := p.store.PutSnapshot(ctx, snap); err != nil {
		return model.StatisticsSnapshot{}, model.NewStorageError(op, err)
	}
	p.logger.Debug("statistics snapshot cached", "owner", owner, "month", month.String(), "tz", tz, "bytes", len(raw))
	return snap, nil
}

func (p *Projector) reportRemote(err error) {
	p.logger.Warn("remote statistics unavailable", "error", err)
	if p.onRemoteError != nil {
		p.onRemoteError(err)
	}
}

// Snapshot returns the cached remote payload for the active owner.
// It returns a NOT_FOUND error when nothing was cached.
func (p *Projector) Snapshot(ctx context.Context, tz string, month model.Month) (model.StatisticsSnapshot, error) {
	const op = "stats.snapshot"
	snap, err := p.store.GetSnapshot(ctx, month, tz, p.owner.CurrentOwnerKey())
	if errors.Is(err, store.ErrNotFound) {
		return model.StatisticsSnapshot{}, model.NewNotFoundError(op, month.String()+"/"+tz)
	}
	if err != nil {
		return model.StatisticsSnapshot{}, model.NewStorageError(op, err)
	}
	return snap, nil
}

// SnapshotAge reports how old the cached snapshot is.
func (p *Projector) SnapshotAge(snap model.StatisticsSnapshot) time.Duration {
	return p.clock.Now().Sub(snap.FetchedAt)
}
