package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario is one harness run.
type Scenario struct {
	// Name uniquely identifies this scenario (and its golden file).
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Now is the initial clock instant (RFC 3339). Default: testutil.Epoch.
	Now string `yaml:"now,omitempty"`

	// Timezone defines "today". Default: UTC.
	Timezone string `yaml:"timezone,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions check the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one engine or fake-remote operation.
type Step struct {
	// Action names the operation, one of the Action* constants.
	Action string `yaml:"action"`

	// Args are the operation arguments.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect checks the outcome. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected step outcome.
type ExpectClause struct {
	// Error is the expected error kind (e.g. "VALIDATION"). Empty means
	// the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Result is a subset match against the step's result fields.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// ID is the routine id (routine, completion).
	ID string `yaml:"id,omitempty"`

	// Owner selects a partition on the fake remote (remote_*), given as an
	// owner key. Default: the active owner.
	Owner string `yaml:"owner,omitempty"`

	// Date is a YYYY-MM-DD day (heatmap, completion).
	Date string `yaml:"date,omitempty"`

	// Method and Path select requests (request_count).
	Method string `yaml:"method,omitempty"`
	Path   string `yaml:"path,omitempty"`

	// Count is the expected number (counts).
	Count *int `yaml:"count,omitempty"`

	// Absent asserts that the routine does not exist (routine).
	Absent bool `yaml:"absent,omitempty"`

	// Expect is a subset match against the inspected fields.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Step actions.
const (
	ActionCreateRoutine = "create_routine"
	ActionUpdateRoutine = "update_routine"
	ActionDeleteRoutine = "delete_routine"
	ActionRefresh       = "refresh"
	ActionToggleToday   = "toggle_today"
	ActionEnqueue       = "enqueue"
	ActionDrain         = "drain"
	ActionSignIn        = "sign_in"
	ActionSignOut       = "sign_out"
	ActionAdvanceClock  = "advance_clock"
	ActionFetchStats    = "fetch_stats"
	ActionRemoteFail    = "remote_fail"
	ActionRemoteOffline = "remote_offline"
	ActionRemoteUser    = "remote_user"
	ActionRemoteSeed    = "remote_seed"
)

var knownActions = []string{
	ActionCreateRoutine, ActionUpdateRoutine, ActionDeleteRoutine, ActionRefresh,
	ActionToggleToday, ActionEnqueue, ActionDrain, ActionSignIn, ActionSignOut,
	ActionAdvanceClock, ActionFetchStats, ActionRemoteFail, ActionRemoteOffline,
	ActionRemoteUser, ActionRemoteSeed,
}

// Assertion types.
const (
	AssertRoutine           = "routine"
	AssertRoutineCount      = "routine_count"
	AssertPendingCount      = "pending_count"
	AssertCompletion        = "completion"
	AssertHeatmap           = "heatmap"
	AssertOwner             = "owner"
	AssertRemoteRoutines    = "remote_routine_count"
	AssertRemoteCompletions = "remote_completion_count"
	AssertRequestCount      = "request_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Action == "" {
			return fmt.Errorf("steps[%d]: action is required", i)
		}
		if !slices.Contains(knownActions, step.Action) {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRoutine:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for routine", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for routine", index)
		}
	case AssertCompletion:
		if a.ID == "" || a.Date == "" {
			return fmt.Errorf("assertions[%d]: id and date are required for completion", index)
		}
	case AssertHeatmap:
		if a.Date == "" || len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: date and expect are required for heatmap", index)
		}
	case AssertOwner:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for owner", index)
		}
	case AssertRequestCount:
		if a.Method == "" || a.Path == "" {
			return fmt.Errorf("assertions[%d]: method and path are required for request_count", index)
		}
		fallthrough
	case AssertRoutineCount, AssertPendingCount, AssertRemoteRoutines, AssertRemoteCompletions:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
