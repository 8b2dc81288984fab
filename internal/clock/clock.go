// Package clock abstracts wall-clock time so "today" and every timestamp the
// engine writes can be pinned in tests.
package clock

import (
	"sync"
	"time"

	"github.com/roach88/routinesync/internal/model"
)

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Fixed is a settable clock for tests.
//
// Thread-safety: all methods are safe for concurrent use.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed creates a clock frozen at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

// Now returns the frozen instant.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by d and returns the new instant.
func (f *Fixed) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Today returns the calendar date of c.Now() in loc. A nil loc means local time.
func Today(c Clock, loc *time.Location) model.Date {
	if loc == nil {
		loc = time.Local
	}
	return model.DateOf(c.Now().In(loc))
}
