package harness

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/roach88/routinesync/internal/gateway"
	"github.com/roach88/routinesync/internal/gateway/gatewaytest"
	"github.com/roach88/routinesync/internal/identity"
	"github.com/roach88/routinesync/internal/model"
	"github.com/roach88/routinesync/internal/testutil"
)

// Harness executes one scenario against a fresh environment.
type Harness struct {
	env *testutil.Env
}

// Run executes a scenario and returns the result. A non-nil error means
// the scenario could not run at all; failed expectations and assertions
// are reported in Result.Errors.
//
// Execution flow:
//  1. Create a fresh environment in a temporary directory
//  2. Execute steps, checking each against its expect clause
//  3. Evaluate assertions against the final state
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "routinesync-scenario-")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	opts := testutil.EnvOptions{Dir: dir, Timezone: scenario.Timezone}
	if scenario.Now != "" {
		now, err := time.Parse(time.RFC3339, scenario.Now)
		if err != nil {
			return nil, fmt.Errorf("invalid now %q: %w", scenario.Now, err)
		}
		opts.Now = now
	}

	env, err := testutil.OpenEnv(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open environment: %w", err)
	}
	defer env.Close()

	h := &Harness{env: env}
	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	for _, msg := range EvaluateAssertions(ctx, env, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// executeStep runs one step, records it and checks its expectation.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	out, err := h.dispatch(ctx, step.Action, args(step.Args))

	ev := TraceEvent{
		Step:    index,
		Action:  step.Action,
		Args:    step.Args,
		Outcome: OutcomeOK,
		Result:  out,
	}
	if err != nil {
		ev.Outcome = outcomeOf(err)
		ev.Result = nil
	}
	result.AddTrace(ev)

	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}
	switch {
	case err != nil && want == "":
		result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Action, err))
	case err == nil && want != "":
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got success", index, step.Action, want))
	case err != nil && ev.Outcome != want:
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got %v", index, step.Action, want, err))
	case err == nil && step.Expect != nil:
		if msg := matchFields(out, step.Expect.Result); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", index, step.Action, msg))
		}
	}
}

func outcomeOf(err error) string {
	if kind := model.KindOf(err); kind != "" {
		return string(kind)
	}
	return "ERROR"
}

func (h *Harness) dispatch(ctx context.Context, action string, a args) (map[string]any, error) {
	e := h.env.Engine
	remote := h.env.Remote

	switch action {
	case ActionCreateRoutine:
		fields, err := a.fields()
		if err != nil {
			return nil, err
		}
		r, err := e.Cache.Create(ctx, fields)
		if err != nil {
			return nil, err
		}
		return routineFields(r), nil

	case ActionUpdateRoutine:
		patch, err := a.patch()
		if err != nil {
			return nil, err
		}
		return nil, e.Cache.Update(ctx, a.str("id"), patch)

	case ActionDeleteRoutine:
		return nil, e.Cache.Delete(ctx, a.str("id"))

	case ActionRefresh:
		n, err := e.Cache.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": n}, nil

	case ActionToggleToday:
		mark, err := e.ToggleToday(ctx, a.str("id"), a.boolOr("completed", true))
		if err != nil {
			return nil, err
		}
		return map[string]any{"date": mark.Date.String(), "completed": mark.Completed}, nil

	case ActionEnqueue:
		date, err := a.date("date")
		if err != nil {
			return nil, err
		}
		if date.IsZero() {
			date = e.Today()
		}
		p, err := e.Queue.Put(ctx, model.PendingMutation{
			OpID:        a.str("op_id"),
			RoutineID:   a.str("id"),
			CompletedAt: h.env.Clock.Now(),
			LocalDate:   date,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"op_id": p.OpID, "seq": int(p.Seq)}, nil

	case ActionDrain:
		n, err := e.DrainNow(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"synced": n}, nil

	case ActionSignIn:
		return nil, e.Identity.SignIn(ctx, identity.Session{UserID: a.str("user_id"), Token: a.str("token")})

	case ActionSignOut:
		return nil, e.Identity.SignOut(ctx)

	case ActionAdvanceClock:
		d, err := time.ParseDuration(a.str("by"))
		if err != nil {
			return nil, fmt.Errorf("advance_clock: %w", err)
		}
		h.env.Clock.Advance(d)
		return map[string]any{"now": h.env.Clock.Now().Format(time.RFC3339)}, nil

	case ActionFetchStats:
		month, err := model.ParseMonth(a.str("month"))
		if err != nil {
			return nil, model.NewValidationError("month", err.Error())
		}
		snap, err := e.Stats.FetchRemote(ctx, a.strOr("tz", "UTC"), month)
		if err != nil {
			return nil, err
		}
		return map[string]any{"bytes": len(snap.Payload)}, nil

	case ActionRemoteFail:
		remote.FailNext(a.str("path"), gatewaytest.Failure{
			Status: a.intOr("status", 0),
			Drop:   a.boolOr("drop", false),
			NotOK:  a.boolOr("not_ok", false),
		}, a.intOr("times", 1))
		return nil, nil

	case ActionRemoteOffline:
		remote.SetOffline(a.boolOr("offline", true))
		return nil, nil

	case ActionRemoteUser:
		remote.RegisterUser(a.str("user_id"), a.str("token"))
		return nil, nil

	case ActionRemoteSeed:
		fields, err := a.fields()
		if err != nil {
			return nil, err
		}
		owner := e.Owner()
		if o := a.str("owner"); o != "" {
			if owner, err = model.ParseOwnerKey(o); err != nil {
				return nil, err
			}
		}
		dto := gateway.DTOFromRoutine(model.Routine{
			ID:            a.str("id"),
			Name:          fields.Name,
			Cadence:       fields.Cadence,
			StartDate:     fields.StartDate,
			EndDate:       fields.EndDate,
			NotifyEnabled: fields.NotifyEnabled,
			NotifyTime:    fields.NotifyTime,
			Timezone:      fields.Timezone,
			Tags:          fields.Tags,
			CreatedAt:     h.env.Clock.Now(),
		})
		remote.Seed(owner, dto)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

// routineFields renders r for trace results and assertions.
func routineFields(r model.Routine) map[string]any {
	out := map[string]any{
		"id":             r.ID,
		"name":           r.Name,
		"cadence":        string(r.Cadence),
		"start_date":     r.StartDate.String(),
		"notify_enabled": r.NotifyEnabled,
		"timezone":       r.Timezone,
		"tags":           append([]string{}, r.Tags...),
	}
	if r.EndDate != nil {
		out["end_date"] = r.EndDate.String()
	}
	if r.NotifyTime != nil {
		out["notify_time"] = r.NotifyTime.String()
	}
	return out
}
