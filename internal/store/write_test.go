package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/model"
)

func TestUpsertRoutine_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")

	end := model.MustParseDate("2025-12-31")
	at := model.ClockTime{Hour: 7, Minute: 30}
	r := createTestRoutine("r1", "Water", testEpoch)
	r.EndDate = &end
	r.NotifyEnabled = true
	r.NotifyTime = &at
	r.Timezone = "Europe/Berlin"
	r.Tags = []string{"health", "morning"}

	require.NoError(t, s.UpsertRoutine(ctx, owner, r))

	got, err := s.GetRoutine(ctx, owner, "r1")
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestUpsertRoutine_Replaces(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")

	end := model.MustParseDate("2025-03-01")
	r := createTestRoutine("r1", "Water", testEpoch)
	r.EndDate = &end
	require.NoError(t, s.UpsertRoutine(ctx, owner, r))

	r2 := createTestRoutine("r1", "Hydrate", testEpoch.Add(time.Minute))
	require.NoError(t, s.UpsertRoutine(ctx, owner, r2))

	got, err := s.GetRoutine(ctx, owner, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Hydrate", got.Name)
	assert.Nil(t, got.EndDate, "end date cleared by full replace")
}

func TestUpsertRoutines_Batch(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")

	ch, cancel := s.Watch(owner, TableRoutines)
	defer cancel()

	require.NoError(t, s.UpsertRoutines(ctx, owner, []model.Routine{
		createTestRoutine("a", "A", testEpoch),
		createTestRoutine("b", "B", testEpoch.Add(time.Second)),
	}))
	expectSignal(t, ch)
	expectNoSignal(t, ch)

	list, err := s.ListRoutines(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "most recently updated first")
	assert.Equal(t, "a", list[1].ID)

	assert.NoError(t, s.UpsertRoutines(ctx, owner, nil))
}

func TestDeleteRoutine(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")

	require.NoError(t, s.UpsertRoutine(ctx, owner, createTestRoutine("r1", "Water", testEpoch)))

	existed, err := s.DeleteRoutine(ctx, owner, "r1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteRoutine(ctx, owner, "r1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.GetRoutine(ctx, owner, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRoutinesExcept(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")
	other := model.UserOwner("u2")

	require.NoError(t, s.UpsertRoutines(ctx, owner, []model.Routine{
		createTestRoutine("a", "A", testEpoch),
		createTestRoutine("b", "B", testEpoch),
		createTestRoutine("c", "C", testEpoch),
	}))
	require.NoError(t, s.UpsertRoutine(ctx, other, createTestRoutine("z", "Z", testEpoch)))

	removed, err := s.DeleteRoutinesExcept(ctx, owner, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	list, err := s.ListRoutines(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	otherList, err := s.ListRoutines(ctx, other)
	require.NoError(t, err)
	assert.Len(t, otherList, 1, "other partition untouched")
}

func TestUpsertCompletion(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")
	day := model.MustParseDate("2025-01-05")

	m := model.CompletionMark{Owner: owner, RoutineID: "r1", Date: day, Completed: true, UpdatedAt: testEpoch}
	require.NoError(t, s.UpsertCompletion(ctx, m))

	m.Completed = false
	m.UpdatedAt = testEpoch.Add(time.Minute)
	require.NoError(t, s.UpsertCompletion(ctx, m))

	got, err := s.GetCompletion(ctx, owner, "r1", day)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = s.GetCompletion(ctx, owner, "r1", day.AddDays(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertPending_IdempotentByOpID(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.GuestOwner("g1")

	first, inserted, err := s.InsertPending(ctx, createTestPending("op-1", owner, "r1"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Positive(t, first.Seq)

	dup := createTestPending("op-1", owner, "r2")
	second, inserted, err := s.InsertPending(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first, second, "stored row is returned unchanged")

	n, err := s.CountPending(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordCompletion_WritesMarkAndEntry(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.GuestOwner("g1")
	p := createTestPending("op-1", owner, "r1")
	m := model.CompletionMark{Owner: owner, RoutineID: "r1", Date: p.LocalDate, Completed: true, UpdatedAt: testEpoch}

	stored, inserted, err := s.RecordCompletion(ctx, m, p)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "op-1", stored.OpID)

	got, err := s.GetCompletion(ctx, owner, "r1", p.LocalDate)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.False(t, got.Synced)

	_, inserted, err = s.RecordCompletion(ctx, m, p)
	require.NoError(t, err)
	assert.False(t, inserted, "same op_id is not queued twice")
	n, err := s.CountPending(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordCompletion_FailedEntryLeavesNoMark(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.GuestOwner("g1")
	_, err := s.db.ExecContext(ctx, `
		CREATE TRIGGER reject_pending BEFORE INSERT ON pending_mutations
		BEGIN SELECT RAISE(ABORT, 'queue unavailable'); END
	`)
	require.NoError(t, err)

	p := createTestPending("op-1", owner, "r1")
	m := model.CompletionMark{Owner: owner, RoutineID: "r1", Date: p.LocalDate, Completed: true, UpdatedAt: testEpoch}
	_, _, err = s.RecordCompletion(ctx, m, p)
	require.Error(t, err)

	_, err = s.GetCompletion(ctx, owner, "r1", p.LocalDate)
	assert.ErrorIs(t, err, ErrNotFound, "mark rolled back with its entry")
}

func TestRecordCompletion_OwnerMismatch(t *testing.T) {
	s := createTestStore(t)
	p := createTestPending("op-1", model.GuestOwner("g1"), "r1")
	m := model.CompletionMark{Owner: model.UserOwner("u1"), RoutineID: "r1", Date: p.LocalDate, Completed: true, UpdatedAt: testEpoch}

	_, _, err := s.RecordCompletion(t.Context(), m, p)
	require.Error(t, err)
	n, err := s.CountPending(t.Context(), p.Owner)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAckPending_DeletesExactlySubmitted(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.GuestOwner("g1")

	for _, op := range []string{"op-1", "op-2", "op-3"} {
		_, _, err := s.InsertPending(ctx, createTestPending(op, owner, "r-"+op))
		require.NoError(t, err)
	}

	deleted, err := s.AckPending(ctx, owner, []string{"op-1", "op-3", "op-unknown"}, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	left, err := s.OldestPending(ctx, owner, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "op-2", left[0].OpID)
}

func TestAckPending_FlipsSyncedWhenLastOpConfirmed(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.GuestOwner("g1")
	day := model.DateOf(testEpoch)

	require.NoError(t, s.UpsertCompletion(ctx, model.CompletionMark{
		Owner: owner, RoutineID: "r1", Date: day, Completed: true, UpdatedAt: testEpoch,
	}))
	_, _, err := s.InsertPending(ctx, createTestPending("op-1", owner, "r1"))
	require.NoError(t, err)
	_, _, err = s.InsertPending(ctx, createTestPending("op-2", owner, "r1"))
	require.NoError(t, err)

	_, err = s.AckPending(ctx, owner, []string{"op-1"}, testEpoch)
	require.NoError(t, err)
	m, err := s.GetCompletion(ctx, owner, "r1", day)
	require.NoError(t, err)
	assert.False(t, m.Synced, "op-2 still pending")

	_, err = s.AckPending(ctx, owner, []string{"op-2"}, testEpoch)
	require.NoError(t, err)
	m, err = s.GetCompletion(ctx, owner, "r1", day)
	require.NoError(t, err)
	assert.True(t, m.Synced)
}

func TestAckPending_OtherOwnerIgnored(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	a := model.GuestOwner("a")
	b := model.GuestOwner("b")

	_, _, err := s.InsertPending(ctx, createTestPending("op-1", a, "r1"))
	require.NoError(t, err)

	deleted, err := s.AckPending(ctx, b, []string{"op-1"}, testEpoch)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	n, err := s.CountPending(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSnapshot_PutGet(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	owner := model.UserOwner("u1")
	month := model.Month{Year: 2025, Month: time.February}

	_, err := s.GetSnapshot(ctx, month, "UTC", owner)
	assert.ErrorIs(t, err, ErrNotFound)

	snap := model.StatisticsSnapshot{
		Month: month, Timezone: "UTC", OwnerScope: owner,
		Payload: []byte(`{"heatmap":[]}`), FetchedAt: testEpoch,
	}
	require.NoError(t, s.PutSnapshot(ctx, snap))

	snap.Payload = []byte(`{"heatmap":[1]}`)
	require.NoError(t, s.PutSnapshot(ctx, snap))

	got, err := s.GetSnapshot(ctx, month, "UTC", owner)
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	_, err = s.GetSnapshot(ctx, month, "UTC", model.UserOwner("u2"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettings(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	_, err := s.GetSetting(ctx, "guest_id")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSetting(ctx, "guest_id", "g1"))
	require.NoError(t, s.SetSetting(ctx, "guest_id", "g2"))
	v, err := s.GetSetting(ctx, "guest_id")
	require.NoError(t, err)
	assert.Equal(t, "g2", v)

	require.NoError(t, s.DeleteSetting(ctx, "guest_id"))
	require.NoError(t, s.DeleteSetting(ctx, "guest_id"))
	_, err = s.GetSetting(ctx, "guest_id")
	assert.ErrorIs(t, err, ErrNotFound)
}
