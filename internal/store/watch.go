package store

import (
	"sync"

	"github.com/roach88/routinesync/internal/model"
)

// Table names a store table for change notification.
type Table string

const (
	TableRoutines    Table = "routines"
	TableCompletions Table = "completions"
	TablePending     Table = "pending_mutations"
	TableSnapshots   Table = "stats_snapshots"
	TableSettings    Table = "settings"
)

type watcher struct {
	owner  model.OwnerKey // "" matches every owner
	tables map[Table]bool
	ch     chan struct{}
}

type watchers struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]*watcher
	closed bool
}

func newWatchers() *watchers {
	return &watchers{byID: make(map[int]*watcher)}
}

// Watch returns a channel that receives a signal after every committed write
// touching one of tables for owner. An empty owner watches every owner.
//
// The channel has a buffer of one: bursts of writes coalesce into a single
// pending signal, and writers never block on slow watchers. Receivers must
// re-read state after each signal.
//
// The returned cancel func unregisters the watcher and closes the channel.
// It is safe to call more than once.
func (s *Store) Watch(owner model.OwnerKey, tables ...Table) (<-chan struct{}, func()) {
	w := &watcher{
		owner:  owner,
		tables: make(map[Table]bool, len(tables)),
		ch:     make(chan struct{}, 1),
	}
	for _, t := range tables {
		w.tables[t] = true
	}

	ws := s.watchers
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		close(w.ch)
		return w.ch, func() {}
	}
	id := ws.nextID
	ws.nextID++
	ws.byID[id] = w
	ws.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ws.mu.Lock()
			defer ws.mu.Unlock()
			if _, ok := ws.byID[id]; ok {
				delete(ws.byID, id)
				close(w.ch)
			}
		})
	}
	return w.ch, cancel
}

// notify signals every watcher interested in owner and any of tables.
// Closing happens under the same lock, so sends never hit a closed channel.
func (ws *watchers) notify(owner model.OwnerKey, tables ...Table) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	for _, w := range ws.byID {
		if w.owner != "" && owner != "" && w.owner != owner {
			continue
		}
		for _, t := range tables {
			if w.tables[t] {
				select {
				case w.ch <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

func (ws *watchers) closeAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, w := range ws.byID {
		close(w.ch)
		delete(ws.byID, id)
	}
	ws.closed = true
}
