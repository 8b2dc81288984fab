// Package cache implements the Routine Cache Manager: owner-scoped reads
// and live observation of the local routine cache, optimistic update and
// delete with exact-snapshot rollback, pessimistic create, and local
// completion marks.
//
// Every operation resolves the owner once, at call or subscribe time, and
// never touches another owner's rows. Errors are *model.Error values.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/live"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/retry"
	"github.com/roach88/routinesync/internal/store"
)

// todayRecheck is how often the "today" stream re-evaluates the date.
const todayRecheck = time.Minute

// OwnerSource resolves the active owner. Implemented by *identity.Resolver.
type OwnerSource interface {
	CurrentOwnerKey() model.OwnerKey
}

// Options configures a Manager.
type Options struct {
	Store   *store.Store
	Hub     *live.Hub
	Gateway gateway.Gateway
	Owner   OwnerSource

	// Clock and Location define "today" for completion marks.
	// Defaults: clock.System and time.Local.
	Clock    clock.Clock
	Location *time.Location

	// Retry is used for Refresh and post-create reads.
	// Default: retry.DefaultPolicy().
	Retry retry.Policy

	// PruneOnRefresh deletes cached routines absent from the remote list.
	// Off by default: rows are retained for offline use.
	PruneOnRefresh bool

	Logger *slog.Logger
}

// Manager is the Routine Cache Manager.
//
// Thread-safety: all methods are safe for concurrent use. Concurrent
// mutations of the same row serialize through the store; the last local
// write wins.
type Manager struct {
	store  *store.Store
	hub    *live.Hub
	gw     gateway.Gateway
	owner  OwnerSource
	clock  clock.Clock
	loc    *time.Location
	retry  retry.Policy
	prune  bool
	logger *slog.Logger
}

// New creates a manager.
func New(opts Options) *Manager {
	m := &Manager{
		store:  opts.Store,
		hub:    opts.Hub,
		gw:     opts.Gateway,
		owner:  opts.Owner,
		clock:  opts.Clock,
		loc:    opts.Location,
		retry:  opts.Retry,
		prune:  opts.PruneOnRefresh,
		logger: opts.Logger,
	}
	if m.clock == nil {
		m.clock = clock.System{}
	}
	if m.loc == nil {
		m.loc = time.Local
	}
	if m.retry.Attempts == 0 {
		m.retry = retry.DefaultPolicy()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Today returns the current local date.
func (m *Manager) Today() model.Date {
	return clock.Today(m.clock, m.loc)
}

// Location returns the timezone that defines "today".
func (m *Manager) Location() *time.Location {
	return m.loc
}

// ObserveList streams the owner's routines, most recently updated first.
// It emits the current list, then again after every change in the owner's
// partition, until ctx ends.
func (m *Manager) ObserveList(ctx context.Context) <-chan []model.Routine {
	owner := m.owner.CurrentOwnerKey()
	return live.Subscribe(ctx, m.hub, live.Query[[]model.Routine]{
		Key:    "routines/list/" + string(owner),
		Owner:  owner,
		Tables: []store.Table{store.TableRoutines},
		Load: func(ctx context.Context) ([]model.Routine, error) {
			return m.store.ListRoutines(ctx, owner)
		},
	})
}

// ObserveOne streams one routine; nil while it is absent.
func (m *Manager) ObserveOne(ctx context.Context, id string) <-chan *model.Routine {
	owner := m.owner.CurrentOwnerKey()
	return live.Subscribe(ctx, m.hub, live.Query[*model.Routine]{
		Key:    "routines/one/" + string(owner) + "/" + id,
		Owner:  owner,
		Tables: []store.Table{store.TableRoutines},
		Load: func(ctx context.Context) (*model.Routine, error) {
			r, err := m.store.GetRoutine(ctx, owner, id)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return &r, nil
		},
	})
}

// ObserveTodayCompletedIDs streams the ids of routines completed today.
// The date is re-evaluated on every change and once a minute, so the set
// resets after midnight.
func (m *Manager) ObserveTodayCompletedIDs(ctx context.Context) <-chan map[string]struct{} {
	owner := m.owner.CurrentOwnerKey()
	return live.Subscribe(ctx, m.hub, live.Query[map[string]struct{}]{
		Key:      "completions/today/" + string(owner) + "/" + m.loc.String(),
		Owner:    owner,
		Tables:   []store.Table{store.TableCompletions},
		Interval: todayRecheck,
		Load: func(ctx context.Context) (map[string]struct{}, error) {
			ids, err := m.store.CompletedRoutineIDs(ctx, owner, m.Today())
			if err != nil {
				return nil, err
			}
			set := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				set[id] = struct{}{}
			}
			return set, nil
		},
	})
}

// List returns the owner's cached routines, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]model.Routine, error) {
	list, err := m.store.ListRoutines(ctx, m.owner.CurrentOwnerKey())
	if err != nil {
		return nil, model.NewStorageError("routine.list", err)
	}
	return list, nil
}

// Get returns one cached routine.
func (m *Manager) Get(ctx context.Context, id string) (model.Routine, error) {
	r, err := m.store.GetRoutine(ctx, m.owner.CurrentOwnerKey(), id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Routine{}, model.NewNotFoundError("routine.get", id)
	}
	if err != nil {
		return model.Routine{}, model.NewStorageError("routine.get", err)
	}
	return r, nil
}

// Refresh fetches the owner's remote list and upserts every row. Rows whose
// content is unchanged keep their UpdatedAt, so ordering stays stable.
// Rows absent remotely are kept unless PruneOnRefresh is set.
// Returns the number of routines received.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	const op = "routine.refresh"
	owner := m.owner.CurrentOwnerKey()
	callCtx := identity.WithOwner(ctx, owner)

	dtos, err := retry.DoValue(callCtx, m.retry, func(ctx context.Context) ([]gateway.RoutineDTO, error) {
		return m.gw.ListRoutines(ctx)
	})
	if err != nil {
		return 0, model.WithOp(op, err)
	}

	existing, err := m.store.ListRoutines(ctx, owner)
	if err != nil {
		return 0, model.NewStorageError(op, err)
	}
	byID := make(map[string]model.Routine, len(existing))
	for _, r := range existing {
		byID[r.ID] = r
	}

	now := m.clock.Now()
	rows := make([]model.Routine, 0, len(dtos))
	keep := make([]string, 0, len(dtos))
	for _, dto := range dtos {
		r := dto.Routine()
		r.UpdatedAt = now
		if prev, ok := byID[r.ID]; ok && sameContent(prev, r) {
			r.UpdatedAt = prev.UpdatedAt
		}
		rows = append(rows, r)
		keep = append(keep, r.ID)
	}

	if err := m.store.UpsertRoutines(ctx, owner, rows); err != nil {
		return 0, model.NewStorageError(op, err)
	}
	if m.prune {
		removed, err := m.store.DeleteRoutinesExcept(ctx, owner, keep)
		if err != nil {
			return 0, model.NewStorageError(op, err)
		}
		if removed > 0 {
			m.logger.Info("pruned stale routines", "owner", owner, "count", removed)
		}
	}

	m.logger.Debug("refreshed routines", "owner", owner, "count", len(rows))
	return len(rows), nil
}

// Create validates fields locally, creates the routine remotely, reads the
// canonical record back and caches it. Nothing is cached before the remote
// confirms. Invalid input returns a VALIDATION error without any remote call.
func (m *Manager) Create(ctx context.Context, fields model.RoutineFields) (model.Routine, error) {
	const op = "routine.create"
	fields = fields.Normalize()
	if err := fields.Validate(); err != nil {
		return model.Routine{}, model.WithOp(op, err)
	}

	// Once the request is sent the local outcome must settle even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	owner := m.owner.CurrentOwnerKey()
	callCtx := identity.WithOwner(ctx, owner)

	created, err := m.gw.CreateRoutine(callCtx, gateway.NewCreateRoutineRequest(fields))
	if err != nil {
		return model.Routine{}, model.WithOp(op, err)
	}

	dto, err := retry.DoValue(callCtx, m.retry, func(ctx context.Context) (gateway.RoutineDTO, error) {
		return m.gw.GetRoutine(ctx, created.ID)
	})
	if err != nil {
		m.logger.Warn("created routine could not be read back", "owner", owner, "id", created.ID, "error", err)
		return model.Routine{}, model.WithOp(op, err)
	}

	r := dto.Routine()
	r.UpdatedAt = m.clock.Now()
	if err := m.store.UpsertRoutine(ctx, owner, r); err != nil {
		return model.Routine{}, model.NewStorageError(op, err)
	}

	m.logger.Info("routine created", "owner", owner, "id", r.ID)
	return r, nil
}

// Update applies patch optimistically: the merged row is cached before the
// remote call, and the exact prior row is restored if the call fails. On
// success the canonical remote row replaces the optimistic one.
func (m *Manager) Update(ctx context.Context, id string, patch model.RoutinePatch) error {
	const op = "routine.update"
	ctx = context.WithoutCancel(ctx)
	owner := m.owner.CurrentOwnerKey()

	before, err := m.store.GetRoutine(ctx, owner, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewNotFoundError(op, id)
	}
	if err != nil {
		return model.NewStorageError(op, err)
	}
	if patch.IsEmpty() {
		return nil
	}

	patch = patch.Normalize()
	target := patch.Apply(before)
	if err := target.Fields().Validate(); err != nil {
		return model.WithOp(op, err)
	}
	target.UpdatedAt = m.clock.Now()

	if err := m.store.UpsertRoutine(ctx, owner, target); err != nil {
		return model.NewStorageError(op, err)
	}

	callCtx := identity.WithOwner(ctx, owner)
	if err := m.gw.UpdateRoutine(callCtx, gateway.UpdateRoutineRequest{ID: id, Patch: patch}); err != nil {
		m.rollback(ctx, op, owner, before)
		return model.WithOp(op, err)
	}

	dto, err := m.gw.GetRoutine(callCtx, id)
	if err != nil {
		m.logger.Warn("updated routine could not be read back; keeping local row", "owner", owner, "id", id, "error", err)
		return nil
	}
	canonical := dto.Routine()
	canonical.UpdatedAt = target.UpdatedAt
	if err := m.store.UpsertRoutine(ctx, owner, canonical); err != nil {
		return model.NewStorageError(op, err)
	}
	return nil
}

// Delete removes the row optimistically and restores it if the remote call
// fails. A remote NOT_FOUND counts as success: the routine is gone remotely.
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "routine.delete"
	ctx = context.WithoutCancel(ctx)
	owner := m.owner.CurrentOwnerKey()

	before, err := m.store.GetRoutine(ctx, owner, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewNotFoundError(op, id)
	}
	if err != nil {
		return model.NewStorageError(op, err)
	}

	if _, err := m.store.DeleteRoutine(ctx, owner, id); err != nil {
		return model.NewStorageError(op, err)
	}

	err = m.gw.DeleteRoutine(identity.WithOwner(ctx, owner), id)
	if err != nil && !model.IsNotFound(err) {
		m.rollback(ctx, op, owner, before)
		return model.WithOp(op, err)
	}

	m.logger.Info("routine deleted", "owner", owner, "id", id)
	return nil
}

// rollback restores a captured row exactly.
func (m *Manager) rollback(ctx context.Context, op string, owner model.OwnerKey, before model.Routine) {
	if err := m.store.UpsertRoutine(ctx, owner, before); err != nil {
		m.logger.Error("rollback failed", "op", op, "owner", owner, "id", before.ID, "error", err)
		return
	}
	m.logger.Info("rolled back optimistic change", "op", op, "owner", owner, "id", before.ID)
}

// TodayMark builds the active owner's unsynced mark for routineID on
// today's local date without writing it.
func (m *Manager) TodayMark(routineID string, completed bool) (model.CompletionMark, error) {
	if routineID == "" {
		return model.CompletionMark{}, model.NewValidationError("routineId", "must not be blank")
	}
	now := m.clock.Now()
	return model.CompletionMark{
		Owner:     m.owner.CurrentOwnerKey(),
		RoutineID: routineID,
		Date:      model.DateOf(now.In(m.loc)),
		Completed: completed,
		Synced:    false,
		UpdatedAt: now,
	}, nil
}

// SetCompletionLocal upserts today's mark for routineID. It never talks to
// the network; the new mark is unsynced.
func (m *Manager) SetCompletionLocal(ctx context.Context, routineID string, completed bool) (model.CompletionMark, error) {
	const op = "completion.set"
	mark, err := m.TodayMark(routineID, completed)
	if err != nil {
		return model.CompletionMark{}, model.WithOp(op, err)
	}
	if err := m.store.UpsertCompletion(ctx, mark); err != nil {
		return model.CompletionMark{}, model.NewStorageError(op, err)
	}
	return mark, nil
}

// sameContent compares two rows ignoring UpdatedAt.
func sameContent(a, b model.Routine) bool {
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Cadence == b.Cadence &&
		a.StartDate == b.StartDate &&
		equalPtr(a.EndDate, b.EndDate) &&
		a.NotifyEnabled == b.NotifyEnabled &&
		equalPtr(a.NotifyTime, b.NotifyTime) &&
		a.Timezone == b.Timezone &&
		slices.Equal(a.Tags, b.Tags) &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
