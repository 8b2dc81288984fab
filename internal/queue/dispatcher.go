package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/retry"
	"github.com/roach88/routinesync/internal/store"
)

// Dispatcher defaults.
const (
	DefaultBatchSize   = 50
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

// ErrStopped is returned by DrainNow after Run has returned.
var ErrStopped = errors.New("dispatcher stopped")

// Options configures a Dispatcher.
type Options struct {
	Store   *store.Store
	Gateway gateway.Gateway
	Clock   clock.Clock

	// BatchSize caps the entries per complete-batch request.
	BatchSize int

	// Backoff schedules retries after a failed drain. There is no attempt
	// ceiling.
	Backoff retry.Backoff

	// PollInterval rescans the store for owners with pending entries, which
	// picks up entries written by other processes. Zero disables polling.
	PollInterval time.Duration

	// Offline starts the dispatcher with attempts gated.
	Offline bool

	Logger *slog.Logger
}

// Dispatcher drains the pending-mutation queue in the background.
//
// Thread-safety model:
//   - Trigger, ConnectivityChanged and DrainNow: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// Drains of one owner never overlap: Run and DrainNow share a per-owner lock.
type Dispatcher struct {
	store     *store.Store
	gw        gateway.Gateway
	clock     clock.Clock
	batchSize int
	backoff   retry.Backoff
	poll      time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	ready    []model.OwnerKey // owners waiting for a drain, FIFO
	queued   map[model.OwnerKey]bool
	timers   map[model.OwnerKey]*time.Timer
	attempts map[model.OwnerKey]int
	locks    map[model.OwnerKey]*sync.Mutex
	online   bool
	rescan   bool
	stopped  bool

	// signal wakes Run (buffered, size 1, coalescing)
	signal chan struct{}
}

// NewDispatcher creates a dispatcher. Call Run to start draining.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:     opts.Store,
		gw:        opts.Gateway,
		clock:     opts.Clock,
		batchSize: opts.BatchSize,
		backoff:   opts.Backoff,
		poll:      opts.PollInterval,
		logger:    opts.Logger,
		queued:    make(map[model.OwnerKey]bool),
		timers:    make(map[model.OwnerKey]*time.Timer),
		attempts:  make(map[model.OwnerKey]int),
		locks:     make(map[model.OwnerKey]*sync.Mutex),
		online:    !opts.Offline,
		signal:    make(chan struct{}, 1),
	}
	if d.clock == nil {
		d.clock = clock.System{}
	}
	if d.batchSize <= 0 {
		d.batchSize = DefaultBatchSize
	}
	if d.backoff.Base <= 0 {
		d.backoff.Base = DefaultBackoffBase
	}
	if d.backoff.Max <= 0 {
		d.backoff.Max = DefaultBackoffMax
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Trigger schedules a drain of owner. It coalesces with a drain that is
// already queued or waiting on a backoff timer.
func (d *Dispatcher) Trigger(owner model.OwnerKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, waiting := d.timers[owner]; waiting {
		return
	}
	d.enqueueLocked(owner)
}

// ConnectivityChanged updates the connectivity state. Going offline gates
// further attempts. Coming online resets every backoff and triggers every
// owner with pending entries.
func (d *Dispatcher) ConnectivityChanged(online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.online == online {
		return
	}
	d.online = online
	d.logger.Info("connectivity changed", "online", online)
	if !online {
		return
	}
	for owner, t := range d.timers {
		t.Stop()
		delete(d.timers, owner)
	}
	clear(d.attempts)
	d.rescan = true
	d.wakeLocked()
}

// Online reports the current connectivity state.
func (d *Dispatcher) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// DrainNow drains owner synchronously, ignoring connectivity and backoff.
// On success any scheduled retry for owner is cancelled.
func (d *Dispatcher) DrainNow(ctx context.Context, owner model.OwnerKey) (int, error) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return 0, ErrStopped
	}
	d.mu.Unlock()

	n, err := d.drain(ctx, owner)
	d.settle(owner, n, err)
	return n, err
}

// Run drains triggered owners until ctx ends. Owners with entries left by
// a previous process are triggered first.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "batch_size", d.batchSize, "online", d.Online())
	defer d.stop()

	if err := d.triggerPendingOwners(ctx); err != nil {
		d.logger.Error("pending owner scan failed", "error", err)
	}

	var tick <-chan time.Time
	if d.poll > 0 {
		t := time.NewTicker(d.poll)
		defer t.Stop()
		tick = t.C
	}

	for {
		if owner, ok := d.next(); ok {
			n, err := d.drain(ctx, owner)
			if ctx.Err() != nil {
				d.logger.Info("dispatcher stopping")
				return ctx.Err()
			}
			d.settle(owner, n, err)
			continue
		}

		if d.takeRescan() {
			if err := d.triggerPendingOwners(ctx); err != nil {
				d.logger.Error("pending owner scan failed", "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return ctx.Err()
		case <-d.signal:
		case <-tick:
			if d.Online() {
				d.mu.Lock()
				d.rescan = true
				d.mu.Unlock()
			}
		}
	}
}

// next pops the next owner to drain. Owners popped while offline are
// dropped; coming online rescans the store for them.
func (d *Dispatcher) next() (model.OwnerKey, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.ready) > 0 {
		owner := d.ready[0]
		d.ready = d.ready[1:]
		delete(d.queued, owner)
		if d.online {
			return owner, true
		}
	}
	return "", false
}

func (d *Dispatcher) takeRescan() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.rescan
	d.rescan = false
	return r
}

func (d *Dispatcher) triggerPendingOwners(ctx context.Context) error {
	owners, err := d.store.PendingOwners(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		d.Trigger(owner)
	}
	if len(owners) > 0 {
		d.logger.Debug("triggered owners with pending entries", "count", len(owners))
	}
	return nil
}

// drain submits owner's entries in FIFO batches until the partition is
// empty or a batch fails. Returns the number of entries acknowledged.
func (d *Dispatcher) drain(ctx context.Context, owner model.OwnerKey) (int, error) {
	lock := d.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	callCtx := identity.WithOwner(ctx, owner)
	total := 0
	for {
		batch, err := d.store.OldestPending(ctx, owner, d.batchSize)
		if err != nil {
			return total, model.NewStorageError("queue.drain", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		items := make([]gateway.CompletionItem, len(batch))
		opIDs := make([]string, len(batch))
		for i, p := range batch {
			items[i] = gateway.ItemFromPending(p)
			opIDs[i] = p.OpID
		}

		resp, err := d.gw.CompleteBatch(callCtx, items)
		if err != nil {
			return total, model.WithOp("queue.drain", err)
		}

		acked, err := d.store.AckPending(ctx, owner, opIDs, d.clock.Now())
		if err != nil {
			return total, model.NewStorageError("queue.drain", err)
		}
		total += int(acked)
		d.logger.Debug("batch acknowledged", "owner", owner, "size", len(batch), "processed", resp.Processed)
	}
}

// settle records the outcome of a drain: success resets the backoff, an
// inactive owner is parked until its next trigger, and any other failure
// schedules a retry.
func (d *Dispatcher) settle(owner model.OwnerKey, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case err == nil:
		if n > 0 {
			d.logger.Info("pending entries synced", "owner", owner, "count", n)
		}
		delete(d.attempts, owner)
		if t, ok := d.timers[owner]; ok {
			t.Stop()
			delete(d.timers, owner)
		}
	case gateway.IsOwnerInactive(err):
		d.logger.Info("owner inactive; drain parked", "owner", owner)
		delete(d.attempts, owner)
	default:
		if d.stopped {
			return
		}
		attempt := d.attempts[owner]
		d.attempts[owner] = attempt + 1
		delay := d.backoff.Delay(attempt)
		d.logger.Warn("drain failed; retry scheduled",
			"owner", owner, "attempt", attempt+1, "delay", delay, "synced", n, "error", err)
		if t, ok := d.timers[owner]; ok {
			t.Stop()
		}
		d.timers[owner] = time.AfterFunc(delay, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.timers, owner)
			d.enqueueLocked(owner)
		})
	}
}

// Attempts returns the number of consecutive failed drains of owner.
func (d *Dispatcher) Attempts(owner model.OwnerKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[owner]
}

// enqueueLocked must be called with d.mu held.
func (d *Dispatcher) enqueueLocked(owner model.OwnerKey) {
	if d.stopped || d.queued[owner] {
		return
	}
	d.queued[owner] = true
	d.ready = append(d.ready, owner)
	d.wakeLocked()
}

func (d *Dispatcher) wakeLocked() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) ownerLock(owner model.OwnerKey) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		d.locks[owner] = l
	}
	return l
}

func (d *Dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for owner, t := range d.timers {
		t.Stop()
		delete(d.timers, owner)
	}
}
