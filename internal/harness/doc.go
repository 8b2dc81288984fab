// Package harness runs YAML scenarios against a fully wired engine.
//
// Each scenario gets a fresh database in a temporary directory, an
// in-process fake remote, a fixed clock and sequential opIds, so the same
// scenario always produces the same trace.
//
// A scenario is a list of steps followed by assertions:
//
//	name: offline-completion
//	description: a completion made offline is delivered once online
//	steps:
//	  - action: create_routine
//	    args: {name: Water, cadence: DAILY, start_date: "2025-02-01"}
//	  - action: remote_offline
//	    args: {offline: true}
//	  - action: toggle_today
//	    args: {id: r1, completed: true}
//	  - action: drain
//	    expect: {error: TRANSIENT_NETWORK}
//	assertions:
//	  - type: pending_count
//	    count: 1
//
// Steps call the same engine operations a client shell does; remote_*
// steps manipulate the fake remote. Every step is recorded in the trace,
// which golden tests compare byte for byte.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/offline_completion.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err == nil && !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
