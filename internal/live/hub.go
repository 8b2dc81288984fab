// Package live turns store change notifications into long-lived value
// streams.
//
// A Hub keeps at most one producer per query key. The producer loads the
// query result, then reloads it after every relevant store change and fans
// the latest value out to every subscriber. Subscribers receive through a
// one-slot channel that always holds the newest value: a slow reader skips
// intermediate states but never sees a stale one after catching up.
//
// A load error never ends a stream. It is logged and the last good value
// stays current until the next successful load.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/store"
)

// Source is the change notification side of the store.
type Source interface {
	Watch(owner model.OwnerKey, tables ...store.Table) (<-chan struct{}, func())
}

// Query describes one shared stream.
type Query[T any] struct {
	// Key identifies the query shape. Subscriptions with equal keys share a
	// producer, so the key must include every parameter of Load.
	Key string

	// Owner and Tables select the store changes that trigger a reload.
	Owner  model.OwnerKey
	Tables []store.Table

	// Interval, when positive, also reloads periodically. Used by queries
	// whose result depends on the wall clock (e.g. "today").
	Interval time.Duration

	// Load computes the current value.
	Load func(ctx context.Context) (T, error)
}

// Hub multiplexes subscriptions onto shared producers.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	src    Source
	logger *slog.Logger

	mu    sync.Mutex
	feeds map[string]stopper
}

type stopper interface {
	stop()
}

// NewHub creates a hub fed by src. A nil logger uses slog.Default().
func NewHub(src Source, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		src:    src,
		logger: logger,
		feeds:  make(map[string]stopper),
	}
}

// Active returns the number of running producers.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

// Close stops every producer and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	feeds := h.feeds
	h.feeds = make(map[string]stopper)
	h.mu.Unlock()

	for _, f := range feeds {
		f.stop()
	}
}

// Subscribe returns a stream of q's results. The first value arrives as soon
// as it is loaded (immediately when another subscriber already shares the
// producer). The channel is closed when ctx ends or the hub closes.
func Subscribe[T any](ctx context.Context, h *Hub, q Query[T]) <-chan T {
	out := make(chan T, 1)

	h.mu.Lock()
	var f *feed[T]
	if existing, ok := h.feeds[q.Key]; ok {
		typed, ok := existing.(*feed[T])
		if !ok {
			h.mu.Unlock()
			panic(fmt.Sprintf("live: query key %q reused with a different result type", q.Key))
		}
		f = typed
	} else {
		f = newFeed(h, q)
		h.feeds[q.Key] = f
		f.start()
	}
	id := f.add(out)
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		h.unsubscribe(q.Key, f, id)
	}()

	return out
}

func (h *Hub) unsubscribe(key string, f interface {
	stopper
	remove(id int) int
}, id int) {
	h.mu.Lock()
	remaining := f.remove(id)
	last := false
	if remaining == 0 {
		if cur, ok := h.feeds[key]; ok && cur == stopper(f) {
			delete(h.feeds, key)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		f.stop()
	}
}

// feed is the shared producer of one query.
type feed[T any] struct {
	hub *Hub
	q   Query[T]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	nextID int
	subs   map[int]chan T
	latest T
	loaded bool
}

func newFeed[T any](h *Hub, q Query[T]) *feed[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &feed[T]{
		hub:    h,
		q:      q,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]chan T),
	}
}

// start registers the watch before the first load, so no change between
// load and watch can be missed.
func (f *feed[T]) start() {
	changes, unwatch := f.hub.src.Watch(f.q.Owner, f.q.Tables...)
	go f.run(changes, unwatch)
}

func (f *feed[T]) run(changes <-chan struct{}, unwatch func()) {
	defer close(f.done)
	defer f.closeSubscribers()
	defer unwatch()

	var tick <-chan time.Time
	if f.q.Interval > 0 {
		ticker := time.NewTicker(f.q.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	f.reload()
	for {
		select {
		case <-f.ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			f.reload()
		case <-tick:
			f.reload()
		}
	}
}

func (f *feed[T]) reload() {
	v, err := f.q.Load(f.ctx)
	if err != nil {
		if f.ctx.Err() == nil {
			f.hub.logger.Warn("live query load failed", "query", f.q.Key, "error", err)
		}
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = v
	f.loaded = true
	for _, ch := range f.subs {
		offer(ch, v)
	}
}

// offer replaces whatever value ch holds with v. Only the producer sends,
// so after draining the slot the send cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func (f *feed[T]) add(ch chan T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	if f.loaded {
		offer(ch, f.latest)
	}
	return id
}

func (f *feed[T]) remove(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
	return len(f.subs)
}

func (f *feed[T]) closeSubscribers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *feed[T]) stop() {
	f.cancel()
}
