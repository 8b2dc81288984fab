package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/store"
	"github.com/roach88/routinesync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Index    int
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertions[%d] %s: expected %s, got %s", e.Index, e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions evaluates all assertions against env.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, env *testutil.Env, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(ctx, env, i, a); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return msgs
}

func evaluate(ctx context.Context, env *testutil.Env, i int, a Assertion) error {
	e := env.Engine
	fail := func(expected, actual string) error {
		return &AssertionError{Index: i, Type: a.Type, Expected: expected, Actual: actual}
	}
	count := func(actual int) error {
		if actual != *a.Count {
			return fail(fmt.Sprint(*a.Count), fmt.Sprint(actual))
		}
		return nil
	}

	switch a.Type {
	case AssertRoutine:
		r, err := e.Cache.Get(ctx, a.ID)
		if model.IsNotFound(err) {
			if a.Absent {
				return nil
			}
			return fail("routine "+a.ID, "absent")
		}
		if err != nil {
			return err
		}
		if a.Absent {
			return fail("absent", "routine "+a.ID)
		}
		if msg := matchFields(routineFields(r), a.Expect); msg != "" {
			return fail("fields "+formatMap(a.Expect), msg)
		}
		return nil

	case AssertRoutineCount:
		list, err := e.Cache.List(ctx)
		if err != nil {
			return err
		}
		return count(len(list))

	case AssertPendingCount:
		n, err := e.Queue.Len(ctx)
		if err != nil {
			return err
		}
		return count(n)

	case AssertCompletion:
		date, err := model.ParseDate(a.Date)
		if err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
		mark, err := e.Store.GetCompletion(ctx, e.Owner(), a.ID, date)
		if errors.Is(err, store.ErrNotFound) {
			return fail("completion mark", "none")
		}
		if err != nil {
			return err
		}
		got := map[string]any{"completed": mark.Completed, "synced": mark.Synced}
		if msg := matchFields(got, a.Expect); msg != "" {
			return fail(formatMap(a.Expect), msg)
		}
		return nil

	case AssertHeatmap:
		date, err := model.ParseDate(a.Date)
		if err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
		resp, err := e.Stats.Monthly(ctx, e.Location().String(), date.MonthOf())
		if err != nil {
			return err
		}
		if date.Day > len(resp.Heatmap) {
			return fail("heatmap day "+a.Date, "out of range")
		}
		day := resp.Heatmap[date.Day-1]
		got := map[string]any{"count": day.Count, "total": day.Total, "percent": day.Percent}
		if msg := matchFields(got, a.Expect); msg != "" {
			return fail(formatMap(a.Expect), msg)
		}
		return nil

	case AssertOwner:
		owner := e.Owner()
		got := map[string]any{"key": owner.String(), "kind": string(owner.Kind()), "id": owner.ID()}
		if msg := matchFields(got, a.Expect); msg != "" {
			return fail(formatMap(a.Expect), msg)
		}
		return nil

	case AssertRemoteRoutines, AssertRemoteCompletions:
		owner := e.Owner()
		if a.Owner != "" {
			parsed, err := model.ParseOwnerKey(a.Owner)
			if err != nil {
				return fmt.Errorf("assertions[%d]: %w", i, err)
			}
			owner = parsed
		}
		if a.Type == AssertRemoteRoutines {
			return count(len(env.Remote.Routines(owner)))
		}
		return count(len(env.Remote.Completions(owner)))

	case AssertRequestCount:
		return count(env.Remote.RequestCount(strings.ToUpper(a.Method), a.Path))
	}
	return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
}

// matchFields reports the first field of want that differs in got, or "".
// Subset semantics: fields absent from want are not compared.
func matchFields(got, want map[string]any) string {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		actual, ok := got[k]
		if !ok {
			return fmt.Sprintf("field %q missing", k)
		}
		if !valuesEqual(actual, want[k]) {
			return fmt.Sprintf("field %q = %v, want %v", k, actual, want[k])
		}
	}
	return ""
}

// valuesEqual compares a Go value with a YAML-decoded expectation,
// treating numbers by value and lists element-wise.
func valuesEqual(actual, expected any) bool {
	if an, ok := toInt64(actual); ok {
		en, ok := toInt64(expected)
		return ok && an == en
	}
	switch av := actual.(type) {
	case []string:
		ev, ok := expected.([]any)
		if !ok || len(ev) != len(av) {
			return false
		}
		for i := range av {
			if fmt.Sprint(ev[i]) != av[i] {
				return false
			}
		}
		return true
	case string:
		return av == fmt.Sprint(expected)
	}
	return reflect.DeepEqual(actual, expected)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), n == float64(int64(n))
	}
	return 0, false
}

func formatMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, m[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
