package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/ids"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/store"
)

// OwnerSource resolves the active owner. Implemented by *identity.Resolver.
type OwnerSource interface {
	CurrentOwnerKey() model.OwnerKey
}

// Notifier is told when an owner has new pending entries.
// Implemented by *Dispatcher.
type Notifier interface {
	Trigger(owner model.OwnerKey)
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Store  *store.Store
	Owner  OwnerSource
	Notify Notifier

	// IDs generates opIds. Default: ids.UUIDv7Generator.
	IDs    ids.Generator
	Clock  clock.Clock
	Logger *slog.Logger
}

// Queue is the owner-scoped view of the durable pending-mutation queue.
//
// Thread-safety: safe for concurrent use.
type Queue struct {
	store  *store.Store
	owner  OwnerSource
	notify Notifier
	ids    ids.Generator
	clock  clock.Clock
	logger *slog.Logger
}

// NewQueue creates a queue.
func NewQueue(opts QueueOptions) *Queue {
	q := &Queue{
		store:  opts.Store,
		owner:  opts.Owner,
		notify: opts.Notify,
		ids:    opts.IDs,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	if q.ids == nil {
		q.ids = ids.UUIDv7Generator{}
	}
	if q.clock == nil {
		q.clock = clock.System{}
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Enqueue durably records a completion event for the active owner under a
// fresh opId, then triggers the dispatcher. The entry is committed before
// Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, routineID string, completedAt time.Time, localDate model.Date) (model.PendingMutation, error) {
	return q.Put(ctx, model.PendingMutation{
		OpID:        q.ids.Generate(),
		RoutineID:   routineID,
		CompletedAt: completedAt,
		LocalDate:   localDate,
	})
}

// Put records p for the active owner keeping p.OpID when set. Putting an
// opId that is already queued is a no-op returning the stored entry.
func (q *Queue) Put(ctx context.Context, p model.PendingMutation) (model.PendingMutation, error) {
	const op = "queue.enqueue"
	if p.RoutineID == "" {
		return model.PendingMutation{}, model.WithOp(op, model.NewValidationError("routineId", "must not be blank"))
	}
	if p.LocalDate.IsZero() {
		return model.PendingMutation{}, model.WithOp(op, model.NewValidationError("localDate", "is required"))
	}
	if p.OpID == "" {
		p.OpID = q.ids.Generate()
	}
	p.Owner = q.owner.CurrentOwnerKey()
	p.CompletedAt = p.CompletedAt.UTC()
	p.EnqueuedAt = q.clock.Now()

	stored, inserted, err := q.store.InsertPending(ctx, p)
	if err != nil {
		return model.PendingMutation{}, model.NewStorageError(op, err)
	}
	if inserted {
		q.logger.Debug("completion queued", "owner", p.Owner, "op_id", p.OpID, "routine_id", p.RoutineID)
	}
	if q.notify != nil {
		q.notify.Trigger(p.Owner)
	}
	return stored, nil
}

// EnqueueCompletion records mark and a completion event for it under a
// fresh opId in one store transaction, then triggers the dispatcher. The
// entry belongs to mark's owner.
func (q *Queue) EnqueueCompletion(ctx context.Context, mark model.CompletionMark) (model.PendingMutation, error) {
	const op = "queue.enqueue"
	if mark.RoutineID == "" {
		return model.PendingMutation{}, model.WithOp(op, model.NewValidationError("routineId", "must not be blank"))
	}
	if mark.Date.IsZero() {
		return model.PendingMutation{}, model.WithOp(op, model.NewValidationError("localDate", "is required"))
	}
	p := model.PendingMutation{
		OpID:        q.ids.Generate(),
		Owner:       mark.Owner,
		RoutineID:   mark.RoutineID,
		CompletedAt: mark.UpdatedAt.UTC(),
		LocalDate:   mark.Date,
		EnqueuedAt:  q.clock.Now(),
	}

	stored, _, err := q.store.RecordCompletion(ctx, mark, p)
	if err != nil {
		return model.PendingMutation{}, model.NewStorageError(op, err)
	}
	q.logger.Debug("completion queued", "owner", p.Owner, "op_id", p.OpID, "routine_id", p.RoutineID)
	if q.notify != nil {
		q.notify.Trigger(p.Owner)
	}
	return stored, nil
}

// Pending returns the active owner's queued entries, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]model.PendingMutation, error) {
	list, err := q.store.OldestPending(ctx, q.owner.CurrentOwnerKey(), 0)
	if err != nil {
		return nil, model.NewStorageError("queue.pending", err)
	}
	return list, nil
}

// Len returns the number of the active owner's queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.CountPending(ctx, q.owner.CurrentOwnerKey())
	if err != nil {
		return 0, model.NewStorageError("queue.len", err)
	}
	return n, nil
}
