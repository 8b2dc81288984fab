// Package testutil provides deterministic environments for tests, the
// scenario harness and demos: a fixed clock, fixed identifiers and a
// fully wired engine talking to an in-process fake remote.
package testutil

import (
	"fmt"
	"time"

	"github.com/roach88/routinesync/internal/clock"
)

// Epoch is the default instant of deterministic environments.
var Epoch = time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)

// MustTime parses an RFC 3339 instant or panics.
func MustTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(fmt.Sprintf("testutil: bad instant %q: %v", s, err))
	}
	return t
}

// NewClock returns a fixed clock at t, or at Epoch when t is zero.
func NewClock(t time.Time) *clock.Fixed {
	if t.IsZero() {
		t = Epoch
	}
	return clock.NewFixed(t)
}
