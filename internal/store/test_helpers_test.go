package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/model"
)

// createTestStore opens a fresh store under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)

// createTestRoutine creates a routine with minimal required fields.
func createTestRoutine(id, name string, updatedAt time.Time) model.Routine {
	return model.Routine{
		ID:        id,
		Name:      name,
		Cadence:   model.CadenceDaily,
		StartDate: model.MustParseDate("2025-01-01"),
		Timezone:  "UTC",
		Tags:      []string{},
		CreatedAt: testEpoch,
		UpdatedAt: updatedAt,
	}
}

// createTestPending creates a pending mutation for owner.
func createTestPending(opID string, owner model.OwnerKey, routineID string) model.PendingMutation {
	return model.PendingMutation{
		OpID:        opID,
		Owner:       owner,
		RoutineID:   routineID,
		CompletedAt: testEpoch,
		LocalDate:   model.DateOf(testEpoch),
		EnqueuedAt:  testEpoch,
	}
}

// expectSignal waits briefly for a watch signal.
func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change signal")
	}
}

// expectNoSignal asserts no signal is pending.
func expectNoSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected change signal")
	default:
	}
}
