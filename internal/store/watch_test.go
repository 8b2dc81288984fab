package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/model"
)

func TestWatch_SignalsOnMatchingWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")

	routines, cancelR := s.Watch(owner, TableRoutines)
	defer cancelR()
	marks, cancelM := s.Watch(owner, TableCompletions)
	defer cancelM()

	require.NoError(t, s.UpsertRoutine(ctx, owner, createTestRoutine("r1", "Water", testEpoch)))
	expectSignal(t, routines)
	expectNoSignal(t, marks)

	require.NoError(t, s.UpsertCompletion(ctx, model.CompletionMark{
		Owner: owner, RoutineID: "r1", Date: model.DateOf(testEpoch), Completed: true,
	}))
	expectSignal(t, marks)
	expectNoSignal(t, routines)
}

func TestWatch_OwnerFiltered(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	mine, cancel := s.Watch(model.UserOwner("u1"), TableRoutines)
	defer cancel()
	all, cancelAll := s.Watch("", TableRoutines)
	defer cancelAll()

	require.NoError(t, s.UpsertRoutine(ctx, model.UserOwner("u2"), createTestRoutine("r1", "Water", testEpoch)))
	expectNoSignal(t, mine)
	expectSignal(t, all)
}

func TestWatch_Coalesces(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")

	ch, cancel := s.Watch(owner, TableRoutines)
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpsertRoutine(ctx, owner, createTestRoutine("r1", "Water", testEpoch)))
	}
	expectSignal(t, ch)
	expectNoSignal(t, ch)
}

func TestWatch_CancelClosesChannel(t *testing.T) {
	s := createTestStore(t)

	ch, cancel := s.Watch(model.UserOwner("u1"), TableRoutines)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Writes after cancel must not panic.
	require.NoError(t, s.UpsertRoutine(t.Context(), model.UserOwner("u1"), createTestRoutine("r1", "Water", testEpoch)))
}

func TestWatch_AfterClose(t *testing.T) {
	path := t.TempDir() + "/closed.db"
	s, err := Open(path)
	require.NoError(t, err)

	ch, _ := s.Watch(model.UserOwner("u1"), TableRoutines)
	require.NoError(t, s.Close())

	_, ok := <-ch
	assert.False(t, ok, "close releases existing watchers")

	late, _ := s.Watch(model.UserOwner("u1"), TableRoutines)
	_, ok = <-late
	assert.False(t, ok)
}
