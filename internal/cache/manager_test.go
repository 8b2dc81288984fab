package cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/gateway/gatewaytest"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/ids"
	"github.com/roach88/routinesync/internal/live"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/retry"
	"github.com/roach88/routinesync/internal/store"
)

var (
	guest   = model.GuestOwner("g1")
	created = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	store    *store.Store
	remote   *gatewaytest.Server
	resolver *identity.Resolver
	clock    *clock.Fixed
	manager  *Manager
}

func newFixture(t *testing.T, prune bool) *fixture {
	t.Helper()
	ctx := t.Context()

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFixed(created)
	remote := gatewaytest.New(gatewaytest.WithClock(clk))
	t.Cleanup(remote.Close)

	resolver, err := identity.Open(ctx, st, identity.NewStaticSession(identity.Session{}),
		identity.WithGenerator(ids.NewFixedGenerator("g1")))
	require.NoError(t, err)

	hub := live.NewHub(st, nil)
	t.Cleanup(hub.Close)

	m := New(Options{
		Store:          st,
		Hub:            hub,
		Gateway:        gateway.NewClient(remote.URL(), resolver),
		Owner:          resolver,
		Clock:          clk,
		Location:       time.UTC,
		Retry:          retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, Retryable: model.IsTransient},
		PruneOnRefresh: prune,
	})
	return &fixture{store: st, remote: remote, resolver: resolver, clock: clk, manager: m}
}

func waterFields() model.RoutineFields {
	end := model.MustParseDate("2025-01-31")
	return model.RoutineFields{
		Name:      "  Water ",
		Cadence:   model.CadenceDaily,
		StartDate: model.MustParseDate("2025-01-01"),
		EndDate:   &end,
		Timezone:  "UTC",
		Tags:      []string{"Health", "health"},
	}
}

func (f *fixture) createWater(t *testing.T) model.Routine {
	t.Helper()
	r, err := f.manager.Create(t.Context(), waterFields())
	require.NoError(t, err)
	return r
}

func strPtr(s string) *string { return &s }

func TestCreate_CachesCanonicalRemoteRow(t *testing.T) {
	f := newFixture(t, false)

	r := f.createWater(t)
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, "Water", r.Name)
	assert.Equal(t, []string{"health"}, r.Tags)

	local, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)

	remote := f.remote.Routines(guest)
	require.Len(t, remote, 1)
	want := remote[0].Routine()
	assert.Equal(t, want.Name, local.Name)
	assert.Equal(t, want.Cadence, local.Cadence)
	assert.Equal(t, want.StartDate, local.StartDate)
	assert.Equal(t, want.EndDate, local.EndDate)
	assert.Equal(t, want.Tags, local.Tags)
	assert.True(t, want.CreatedAt.Equal(local.CreatedAt))
}

func TestCreate_ValidationNeverReachesGateway(t *testing.T) {
	f := newFixture(t, false)

	fields := waterFields()
	fields.Name = "   "
	_, err := f.manager.Create(t.Context(), fields)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	fields = waterFields()
	fields.NotifyEnabled = true
	_, err = f.manager.Create(t.Context(), fields)
	assert.True(t, model.IsValidation(err))

	assert.Zero(t, f.remote.RequestCount(http.MethodPost, gateway.PathRoutines))
	list, err := f.manager.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreate_RemoteFailureCachesNothing(t *testing.T) {
	f := newFixture(t, false)
	f.remote.FailNext(gateway.PathRoutines, gatewaytest.Failure{Status: http.StatusServiceUnavailable}, 1)

	_, err := f.manager.Create(t.Context(), waterFields())
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))

	list, err := f.manager.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdate_Success(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)
	f.clock.Advance(time.Minute)

	err := f.manager.Update(t.Context(), "r1", model.RoutinePatch{Name: strPtr(" Drink water ")})
	require.NoError(t, err)

	local, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Drink water", local.Name)
	assert.True(t, local.UpdatedAt.Equal(created.Add(time.Minute)))
	assert.Equal(t, "Drink water", f.remote.Routines(guest)[0].Name)
}

func TestUpdate_RollsBackExactSnapshot(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)
	before, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.remote.FailNext(gateway.PathUpdate, gatewaytest.Failure{Status: http.StatusInternalServerError}, 1)

	err = f.manager.Update(t.Context(), "r1", model.RoutinePatch{Name: strPtr("Drink water")})
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))

	after, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Water", after.Name)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, "Water", f.remote.Routines(guest)[0].Name)
}

func TestUpdate_RejectedRollsBack(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)
	f.remote.FailNext(gateway.PathUpdate, gatewaytest.Failure{NotOK: true}, 1)

	err := f.manager.Update(t.Context(), "r1", model.RoutinePatch{Name: strPtr("Tea")})
	require.Error(t, err)
	assert.True(t, model.IsRejected(err))

	after, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Water", after.Name)
}

func TestUpdate_InvalidPatch(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)

	start := model.MustParseDate("2025-03-01")
	err := f.manager.Update(t.Context(), "r1", model.RoutinePatch{StartDate: &start})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "start after end")
	assert.Zero(t, f.remote.RequestCount(http.MethodPost, gateway.PathUpdate))
}

func TestUpdate_MissingRow(t *testing.T) {
	f := newFixture(t, false)
	err := f.manager.Update(t.Context(), "nope", model.RoutinePatch{Name: strPtr("x")})
	assert.True(t, model.IsNotFound(err))
}

func TestDelete_Success(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)

	require.NoError(t, f.manager.Delete(t.Context(), "r1"))

	_, err := f.manager.Get(t.Context(), "r1")
	assert.True(t, model.IsNotFound(err))
	assert.Empty(t, f.remote.Routines(guest))
}

func TestDelete_RollsBackOnTransportFailure(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)
	f.remote.FailNext(gateway.PathDelete, gatewaytest.Failure{Drop: true}, 1)

	err := f.manager.Delete(t.Context(), "r1")
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))

	r, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Water", r.Name)
}

func TestDelete_RemoteNotFoundIsSuccess(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.UpsertRoutine(t.Context(), guest, model.Routine{
		ID: "local-only", Name: "Stale", Cadence: model.CadenceDaily,
		StartDate: model.MustParseDate("2025-01-01"), Timezone: "UTC", UpdatedAt: created,
	}))

	require.NoError(t, f.manager.Delete(t.Context(), "local-only"))
	_, err := f.manager.Get(t.Context(), "local-only")
	assert.True(t, model.IsNotFound(err))
}

// cancelDuringCall returns a context that is cancelled while the remote is
// still holding the first request.
func (f *fixture) cancelDuringCall(t *testing.T) context.Context {
	t.Helper()
	f.remote.SetLatency(40 * time.Millisecond)
	ctx, cancel := context.WithCancel(t.Context())
	timer := time.AfterFunc(10*time.Millisecond, cancel)
	t.Cleanup(func() {
		timer.Stop()
		cancel()
	})
	return ctx
}

func TestUpdate_CompletesAfterCallerCancels(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)

	ctx := f.cancelDuringCall(t)
	err := f.manager.Update(ctx, "r1", model.RoutinePatch{Name: strPtr("Drink water")})
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.Equal(t, 1, f.remote.RequestCount(http.MethodGet, gateway.PathRoutines+"/r1"), "canonical row read back")
	local, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Drink water", local.Name)
	assert.Equal(t, "Drink water", f.remote.Routines(guest)[0].Name)
}

func TestUpdate_RollsBackAfterCallerCancels(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)
	before, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	f.remote.FailNext(gateway.PathUpdate, gatewaytest.Failure{Status: http.StatusInternalServerError}, 1)

	ctx := f.cancelDuringCall(t)
	err = f.manager.Update(ctx, "r1", model.RoutinePatch{Name: strPtr("Drink water")})
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	after, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, before.Name, after.Name)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestDelete_RollsBackAfterCallerCancels(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)
	f.remote.FailNext(gateway.PathDelete, gatewaytest.Failure{Drop: true}, 1)

	ctx := f.cancelDuringCall(t)
	err := f.manager.Delete(ctx, "r1")
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	r, err := f.manager.Get(t.Context(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Water", r.Name)
}

func TestDelete_CompletesAfterCallerCancels(t *testing.T) {
	f := newFixture(t, false)
	f.createWater(t)

	ctx := f.cancelDuringCall(t)
	require.NoError(t, f.manager.Delete(ctx, "r1"))
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	_, err := f.manager.Get(t.Context(), "r1")
	assert.True(t, model.IsNotFound(err))
	assert.Empty(t, f.remote.Routines(guest))
}

func seedRemote(f *fixture, id, name string) {
	f.remote.Seed(guest, gateway.RoutineDTO{
		ID: id, Name: name, Cadence: model.CadenceDaily,
		StartDate: model.MustParseDate("2025-01-01"), Timezone: "UTC",
		Tags: []string{}, CreatedAt: created,
	})
}

func TestRefresh_UpsertsAndKeepsLocalOnlyRows(t *testing.T) {
	f := newFixture(t, false)
	ctx := t.Context()
	seedRemote(f, "a", "Alpha")
	seedRemote(f, "b", "Beta")
	require.NoError(t, f.store.UpsertRoutine(ctx, guest, model.Routine{
		ID: "old", Name: "Old", Cadence: model.CadenceDaily,
		StartDate: model.MustParseDate("2025-01-01"), Timezone: "UTC", UpdatedAt: created,
	}))

	n, err := f.manager.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := f.manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestRefresh_Prune(t *testing.T) {
	f := newFixture(t, true)
	ctx := t.Context()
	seedRemote(f, "a", "Alpha")
	require.NoError(t, f.store.UpsertRoutine(ctx, guest, model.Routine{
		ID: "old", Name: "Old", Cadence: model.CadenceDaily,
		StartDate: model.MustParseDate("2025-01-01"), Timezone: "UTC", UpdatedAt: created,
	}))

	_, err := f.manager.Refresh(ctx)
	require.NoError(t, err)

	list, err := f.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
}

func TestRefresh_UnchangedRowsKeepUpdatedAt(t *testing.T) {
	f := newFixture(t, false)
	ctx := t.Context()
	seedRemote(f, "a", "Alpha")

	_, err := f.manager.Refresh(ctx)
	require.NoError(t, err)
	first, err := f.manager.Get(ctx, "a")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.manager.Refresh(ctx)
	require.NoError(t, err)
	second, err := f.manager.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))

	seedRemote(f, "a", "Alpha v2")
	_, err = f.manager.Refresh(ctx)
	require.NoError(t, err)
	third, err := f.manager.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha v2", third.Name)
	assert.True(t, third.UpdatedAt.After(first.UpdatedAt))
}

func TestRefresh_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t, false)
	seedRemote(f, "a", "Alpha")
	f.remote.FailNext(gateway.PathRoutines, gatewaytest.Failure{Status: http.StatusBadGateway}, 2)

	n, err := f.manager.Refresh(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.remote.RequestCount(http.MethodGet, gateway.PathRoutines))
}

func TestRefresh_GivesUpAfterAttempts(t *testing.T) {
	f := newFixture(t, false)
	f.remote.FailNext(gateway.PathRoutines, gatewaytest.Failure{Status: http.StatusBadGateway}, 5)

	_, err := f.manager.Refresh(t.Context())
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
	assert.Equal(t, 3, f.remote.RequestCount(http.MethodGet, gateway.PathRoutines))
}

func TestObserveList_EmitsOnChange(t *testing.T) {
	f := newFixture(t, false)
	ch := f.manager.ObserveList(t.Context())

	select {
	case list := <-ch:
		assert.Empty(t, list)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial emission")
	}

	f.createWater(t)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case list := <-ch:
			if len(list) == 1 {
				assert.Equal(t, "Water", list[0].Name)
				return
			}
		case <-deadline:
			t.Fatal("list never reflected create")
		}
	}
}

func TestObserveOne_NilWhenAbsent(t *testing.T) {
	f := newFixture(t, false)
	ch := f.manager.ObserveOne(t.Context(), "r1")

	select {
	case r := <-ch:
		assert.Nil(t, r)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial emission")
	}
}

func TestObserveTodayCompletedIDs(t *testing.T) {
	f := newFixture(t, false)
	ch := f.manager.ObserveTodayCompletedIDs(t.Context())

	_, err := f.manager.SetCompletionLocal(t.Context(), "r1", true)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case set := <-ch:
			if _, ok := set["r1"]; ok {
				return
			}
		case <-deadline:
			t.Fatal("completion never observed")
		}
	}
}

func TestSetCompletionLocal(t *testing.T) {
	f := newFixture(t, false)
	ctx := t.Context()

	mark, err := f.manager.SetCompletionLocal(ctx, "r1", true)
	require.NoError(t, err)
	assert.Equal(t, model.MustParseDate("2025-01-01"), mark.Date)
	assert.False(t, mark.Synced)

	_, err = f.manager.SetCompletionLocal(ctx, "r1", false)
	require.NoError(t, err)
	stored, err := f.store.GetCompletion(ctx, guest, "r1", mark.Date)
	require.NoError(t, err)
	assert.False(t, stored.Completed)

	_, err = f.manager.SetCompletionLocal(ctx, "", true)
	assert.True(t, model.IsValidation(err))
	assert.Empty(t, f.remote.Requests(), "completion marks never touch the network")
}

func TestOwnerIsolation(t *testing.T) {
	f := newFixture(t, false)
	ctx := t.Context()
	f.createWater(t)
	f.remote.RegisterUser("u1", "tok")

	require.NoError(t, f.resolver.SignIn(ctx, identity.Session{UserID: "u1", Token: "tok"}))
	list, err := f.manager.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.manager.Get(ctx, "r1")
	assert.True(t, model.IsNotFound(err))

	require.NoError(t, f.resolver.SignOut(ctx))
	list, err = f.manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
