package harness

// OutcomeOK is the outcome of a successful step.
const OutcomeOK = "ok"

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int            `json:"step"`
	Action  string         `json:"action"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome"` // OutcomeOK or an error kind
	Result  map[string]any `json:"result,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step matched its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
