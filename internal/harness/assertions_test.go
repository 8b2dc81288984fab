package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/testutil"
)

func TestMatchFields(t *testing.T) {
	got := map[string]any{
		"name":    "Water",
		"count":   2,
		"synced":  true,
		"tags":    []string{"a", "b"},
		"percent": 50,
	}

	tests := []struct {
		name string
		want map[string]any
		ok   bool
	}{
		{"empty", nil, true},
		{"subset", map[string]any{"name": "Water"}, true},
		{"yaml int", map[string]any{"count": 2}, true},
		{"float", map[string]any{"percent": 50.0}, true},
		{"bool", map[string]any{"synced": true}, true},
		{"list", map[string]any{"tags": []any{"a", "b"}}, true},
		{"wrong string", map[string]any{"name": "Juice"}, false},
		{"wrong number", map[string]any{"count": 3}, false},
		{"number as string", map[string]any{"count": "2"}, false},
		{"wrong bool", map[string]any{"synced": false}, false},
		{"list order", map[string]any{"tags": []any{"b", "a"}}, false},
		{"missing field", map[string]any{"owner": "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := matchFields(got, tt.want)
			if tt.ok {
				assert.Empty(t, msg)
			} else {
				assert.NotEmpty(t, msg)
			}
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t, testutil.EnvOptions{})

	_, err := env.Engine.Cache.Create(ctx, model.RoutineFields{
		Name:      "Water",
		Cadence:   model.CadenceDaily,
		StartDate: model.MustParseDate("2025-02-01"),
	})
	require.NoError(t, err)
	_, err = env.Engine.ToggleToday(ctx, "r1", true)
	require.NoError(t, err)

	passing := []Assertion{
		{Type: AssertRoutine, ID: "r1", Expect: map[string]any{"name": "Water"}},
		{Type: AssertRoutine, ID: "r9", Absent: true},
		{Type: AssertRoutineCount, Count: ptr(1)},
		{Type: AssertPendingCount, Count: ptr(1)},
		{Type: AssertCompletion, ID: "r1", Date: "2025-02-10", Expect: map[string]any{"completed": true, "synced": false}},
		{Type: AssertHeatmap, Date: "2025-02-10", Expect: map[string]any{"count": 1, "total": 1, "percent": 100}},
		{Type: AssertOwner, Expect: map[string]any{"key": "guest:" + testutil.DefaultGuestID, "kind": "guest"}},
		{Type: AssertRemoteRoutines, Count: ptr(1)},
		{Type: AssertRemoteCompletions, Count: ptr(0)},
		{Type: AssertRequestCount, Method: "post", Path: "/routines", Count: ptr(1)},
	}
	assert.Empty(t, EvaluateAssertions(ctx, env, passing))

	failing := []Assertion{
		{Type: AssertRoutine, ID: "r1", Absent: true},
		{Type: AssertRoutine, ID: "r9", Expect: map[string]any{"name": "Water"}},
		{Type: AssertRoutineCount, Count: ptr(2)},
		{Type: AssertCompletion, ID: "r1", Date: "2025-02-09", Expect: map[string]any{"completed": true}},
		{Type: AssertHeatmap, Date: "2025-02-10", Expect: map[string]any{"percent": 0}},
		{Type: AssertRemoteRoutines, Owner: "user:nobody", Count: ptr(1)},
	}
	msgs := EvaluateAssertions(ctx, env, failing)
	require.Len(t, msgs, len(failing))
	assert.Contains(t, msgs[0], "assertions[0] routine")
	assert.Contains(t, msgs[3], "none")
}
