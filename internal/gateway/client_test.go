package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/clock"
	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/gateway/gatewaytest"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/model"
)

type staticCreds struct {
	creds identity.Credentials
	err   error
}

func (s staticCreds) Credentials(context.Context) (identity.Credentials, error) {
	return s.creds, s.err
}

var created = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newFake(t *testing.T) *gatewaytest.Server {
	t.Helper()
	srv := gatewaytest.New(gatewaytest.WithClock(clock.NewFixed(created)))
	t.Cleanup(srv.Close)
	return srv
}

func guestClient(srv *gatewaytest.Server, guestID string) *gateway.Client {
	return gateway.NewClient(srv.URL(), staticCreds{creds: identity.Credentials{GuestID: guestID}})
}

func waterRequest() gateway.CreateRoutineRequest {
	end := model.MustParseDate("2025-01-31")
	return gateway.CreateRoutineRequest{
		Name:      "Water",
		Cadence:   model.CadenceDaily,
		StartDate: model.MustParseDate("2025-01-01"),
		EndDate:   &end,
		Timezone:  "UTC",
		Tags:      []string{},
	}
}

func TestClient_CreateThenGet(t *testing.T) {
	srv := newFake(t)
	c := guestClient(srv, "g1")
	ctx := t.Context()

	resp, err := c.CreateRoutine(ctx, waterRequest())
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.ID)
	assert.True(t, resp.CreatedAt.Equal(created))

	dto, err := c.GetRoutine(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Water", dto.Name)
	assert.Equal(t, "2025-01-31", dto.EndDate.String())

	list, err := c.ListRoutines(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestClient_GuestPartitions(t *testing.T) {
	srv := newFake(t)
	ctx := t.Context()

	_, err := guestClient(srv, "a").CreateRoutine(ctx, waterRequest())
	require.NoError(t, err)

	list, err := guestClient(srv, "b").ListRoutines(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestClient_BearerToken(t *testing.T) {
	srv := newFake(t)
	srv.RegisterUser("u1", "tok")
	c := gateway.NewClient(srv.URL(), staticCreds{creds: identity.Credentials{BearerToken: "tok"}})

	_, err := c.CreateRoutine(t.Context(), waterRequest())
	require.NoError(t, err)
	assert.Len(t, srv.Routines(model.UserOwner("u1")), 1)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Bearer)
	assert.False(t, reqs[0].GuestID)

	bad := gateway.NewClient(srv.URL(), staticCreds{creds: identity.Credentials{BearerToken: "nope"}})
	_, err = bad.ListRoutines(t.Context())
	assert.True(t, model.IsRejected(err))
}

func TestClient_UpdatePartial(t *testing.T) {
	srv := newFake(t)
	c := guestClient(srv, "g1")
	ctx := t.Context()

	_, err := c.CreateRoutine(ctx, waterRequest())
	require.NoError(t, err)

	name := "Hydrate"
	require.NoError(t, c.UpdateRoutine(ctx, gateway.UpdateRoutineRequest{
		ID:    "r1",
		Patch: model.RoutinePatch{Name: &name, ClearEndDate: true},
	}))

	dto, err := c.GetRoutine(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Hydrate", dto.Name)
	assert.Nil(t, dto.EndDate)
	assert.Equal(t, model.CadenceDaily, dto.Cadence, "absent fields unchanged")
}

func TestClient_DeleteAndNotFound(t *testing.T) {
	srv := newFake(t)
	c := guestClient(srv, "g1")
	ctx := t.Context()

	_, err := c.CreateRoutine(ctx, waterRequest())
	require.NoError(t, err)
	require.NoError(t, c.DeleteRoutine(ctx, "r1"))

	_, err = c.GetRoutine(ctx, "r1")
	assert.True(t, model.IsNotFound(err))
	assert.True(t, model.IsRejected(err), "not found is a rejection")

	err = c.DeleteRoutine(ctx, "r1")
	assert.True(t, model.IsNotFound(err))
}

func TestClient_CompleteBatchIdempotent(t *testing.T) {
	srv := newFake(t)
	c := guestClient(srv, "g1")
	ctx := t.Context()

	items := []gateway.CompletionItem{
		{RoutineID: "r1", CompletedAt: created, OpID: "op-1"},
		{RoutineID: "r1", CompletedAt: created, OpID: "op-2"},
	}
	resp, err := c.CompleteBatch(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, gateway.CompleteBatchResponse{OK: true, Processed: 2}, resp)

	resp, err = c.CompleteBatch(ctx, items[:1])
	require.NoError(t, err)
	assert.Equal(t, gateway.CompleteBatchResponse{OK: true, Processed: 0}, resp)

	assert.Len(t, srv.Completions(model.GuestOwner("g1")), 2)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		failure gatewaytest.Failure
		check   func(error) bool
	}{
		{"5xx is transient", gatewaytest.Failure{Status: http.StatusServiceUnavailable}, model.IsTransient},
		{"429 is transient", gatewaytest.Failure{Status: http.StatusTooManyRequests}, model.IsTransient},
		{"dropped connection is transient", gatewaytest.Failure{Drop: true}, model.IsTransient},
		{"4xx is rejected", gatewaytest.Failure{Status: http.StatusBadRequest}, model.IsRejected},
		{"ok false is rejected", gatewaytest.Failure{NotOK: true}, model.IsRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFake(t)
			c := guestClient(srv, "g1")
			srv.FailNext(gateway.PathCompleteBatch, tt.failure, 1)

			_, err := c.CompleteBatch(t.Context(), []gateway.CompletionItem{{RoutineID: "r1", CompletedAt: created, OpID: "op"}})
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestClient_RejectedCarriesServerMessage(t *testing.T) {
	srv := newFake(t)
	c := guestClient(srv, "g1")

	req := waterRequest()
	req.Name = "   "
	_, err := c.CreateRoutine(t.Context(), req)
	require.Error(t, err)
	assert.True(t, model.IsRejected(err))
	assert.Contains(t, err.Error(), "name")
}

func TestClient_CredentialsUnavailable(t *testing.T) {
	srv := newFake(t)
	c := gateway.NewClient(srv.URL(), staticCreds{err: identity.ErrOwnerInactive})

	_, err := c.ListRoutines(t.Context())
	require.Error(t, err)
	assert.True(t, gateway.IsOwnerInactive(err))
	assert.Zero(t, srv.RequestCount(http.MethodGet, gateway.PathRoutines), "nothing sent")
}

func TestClient_Timeout(t *testing.T) {
	srv := newFake(t)
	srv.SetLatency(200 * time.Millisecond)
	c := gateway.NewClient(srv.URL(), staticCreds{creds: identity.Credentials{GuestID: "g"}}, gateway.WithTimeout(20*time.Millisecond))

	_, err := c.ListRoutines(t.Context())
	assert.True(t, model.IsTransient(err))
}

func TestClient_MonthlyCompletions(t *testing.T) {
	srv := newFake(t)
	c := guestClient(srv, "g1")
	ctx := t.Context()

	_, err := c.CreateRoutine(ctx, waterRequest())
	require.NoError(t, err)
	_, err = c.CompleteBatch(ctx, []gateway.CompletionItem{
		{RoutineID: "r1", CompletedAt: time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC), OpID: "op-1"},
	})
	require.NoError(t, err)

	raw, err := c.MonthlyCompletions(ctx, "UTC", model.Month{Year: 2025, Month: time.January})
	require.NoError(t, err)

	var resp model.StatisticsResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "2025-01-01", resp.Range.From.String())
	assert.Equal(t, "2025-02-01", resp.Range.ToExclusive.String())
	require.Len(t, resp.Heatmap, 31)
	assert.Equal(t, model.HeatmapDay{Date: model.MustParseDate("2025-01-05"), Count: 1, Total: 1, Percent: 100}, resp.Heatmap[4])
	require.Len(t, resp.Routines, 1)
	assert.Equal(t, 1, resp.Routines[0].Days[4])
}

func TestClient_MalformedBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	c := gateway.NewClient(srv.URL, staticCreds{creds: identity.Credentials{GuestID: "g"}})
	_, err := c.ListRoutines(t.Context())
	assert.True(t, model.IsTransient(err))
}

func TestClient_ContextCancelled(t *testing.T) {
	srv := newFake(t)
	c := guestClient(srv, "g1")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.ListRoutines(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
