package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/gateway/gatewaytest"
	"github.com/roach88/routinesync/internal/model"
)

func TestRoutinesCreateListShow(t *testing.T) {
	env := newCLIEnv(t)

	var created RoutineView
	env.runJSON(t, &created, "routines", "create", "--name", "  Water ", "--start", "2025-01-01", "--tag", "health")
	assert.Equal(t, "r1", created.ID)
	assert.Equal(t, "Water", created.Name)
	assert.Equal(t, model.CadenceDaily, created.Cadence)
	assert.Equal(t, "UTC", created.Timezone)
	assert.Equal(t, []string{"health"}, created.Tags)

	var list []RoutineView
	env.runJSON(t, &list, "routines", "list")
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)

	out, err := env.run(t, "routines", "show", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "Name:      Water")
	assert.Contains(t, out, "Tags:      health")
}

func TestRoutinesCreateValidation(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "routines", "create", "--name", " ", "--start", "2025-01-01")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, 0, env.remote.RequestCount("POST", "/routines"))

	_, err = env.run(t, "routines", "create", "--name", "Water", "--start", "01/02/2025")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestRoutinesCreateRequiresName(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "routines", "create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestRoutinesUpdateAndDelete(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "routines", "create", "--name", "Water", "--start", "2025-01-01", "--end", "2025-12-31")

	var updated RoutineView
	env.runJSON(t, &updated, "routines", "update", "r1", "--name", "Drink water", "--clear-end")
	assert.Equal(t, "Drink water", updated.Name)
	assert.Nil(t, updated.EndDate)

	var who WhoamiView
	env.runJSON(t, &who, "whoami")
	remote := env.remote.Routines(model.OwnerKey(who.Owner))
	require.Len(t, remote, 1)
	assert.Equal(t, "Drink water", remote[0].Name)

	out, err := env.run(t, "routines", "delete", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted r1")

	_, err = env.run(t, "routines", "show", "r1")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestRoutinesUpdateNothing(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "routines", "update", "r1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "nothing to update")
}

func TestRoutinesUpdateRejectedRollsBack(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "routines", "create", "--name", "Water", "--start", "2025-01-01")
	env.remote.FailNext("/routines/update", gatewaytest.Failure{Status: 400}, 1)

	_, err := env.run(t, "routines", "update", "r1", "--name", "Juice")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var r RoutineView
	env.runJSON(t, &r, "routines", "show", "r1")
	assert.Equal(t, "Water", r.Name)
}

func TestRoutinesRefresh(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "routines", "create", "--name", "Water", "--start", "2025-01-01")

	var got map[string]int
	env.runJSON(t, &got, "routines", "refresh")
	assert.Equal(t, 1, got["refreshed"])
}

func TestCompleteTodayPendingDrain(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "routines", "create", "--name", "Water", "--start", "2025-01-01")

	out, err := env.run(t, "complete", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "r1 marked done")

	var today []TodayItemView
	env.runJSON(t, &today, "today")
	require.Len(t, today, 1)
	assert.True(t, today[0].Completed)

	var pending []PendingView
	env.runJSON(t, &pending, "pending")
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].RoutineID)

	var drained map[string]int
	env.runJSON(t, &drained, "drain")
	assert.Equal(t, 1, drained["synced"])

	out, err = env.run(t, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue is empty.")
}

func TestCompleteUndoIsLocal(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "routines", "create", "--name", "Water", "--start", "2025-01-01")

	_, err := env.run(t, "complete", "r1", "--undo")
	require.NoError(t, err)

	var pending []PendingView
	env.runJSON(t, &pending, "pending")
	assert.Empty(t, pending)
}

func TestCompleteUnknownRoutine(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "complete", "missing")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestDrainOffline(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "routines", "create", "--name", "Water", "--start", "2025-01-01")
	_, err := env.run(t, "complete", "r1")
	require.NoError(t, err)

	env.remote.SetOffline(true)
	_, err = env.run(t, "drain")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var pending []PendingView
	env.runJSON(t, &pending, "pending")
	assert.Len(t, pending, 1)
}

func TestLoginWhoamiLogout(t *testing.T) {
	env := newCLIEnv(t)

	var who WhoamiView
	env.runJSON(t, &who, "whoami")
	assert.True(t, who.Guest)
	guest := who.Owner

	out, err := env.run(t, "login", "--user-id", "u1", "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as user:u1")

	env.runJSON(t, &who, "whoami")
	assert.False(t, who.Guest)
	assert.Equal(t, "user:u1", who.Owner)

	out, err = env.run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, guest)
}

func TestLoginVerifyRejectsUnknownToken(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "login", "--user-id", "u1", "--token", "bad", "--verify")
	require.Error(t, err)

	var who WhoamiView
	env.runJSON(t, &who, "whoami")
	assert.True(t, who.Guest)
}

func TestStatsCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.runJSON(t, nil, "routines", "create", "--name", "Water", "--start", "2025-02-01")

	var resp model.StatisticsResponse
	env.runJSON(t, &resp, "stats", "--month", "2025-02", "--tz", "UTC")
	assert.Equal(t, "2025-02-01", resp.Range.From.String())
	require.Len(t, resp.Heatmap, 28)
	assert.Equal(t, 1, resp.Heatmap[9].Total)

	_, err := env.run(t, "stats", "--month", "February")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid month")
}
