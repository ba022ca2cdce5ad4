// Package harness provides scenario testing for homesync plugins.
//
// A scenario loads built-in plugins into a fresh registry, invokes a flow
// of actions as named users and checks the outcome of each step, the trace
// of invocations and notifications, and the final service state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	plugins: [counter]
//	permissions:
//	  roles:
//	    member:
//	      grants:
//	        - {verb: update, resource: counter, scope: any}
//	users:
//	  alice: member
//	setup:
//	  - invoke: counter.increment
//	    as: alice
//	flow:
//	  - invoke: counter.add
//	    as: alice
//	    data: {amount: 2}
//	    expect:
//	      result: 3
//	  - invoke: counter.reset
//	    as: alice
//	    expect:
//	      error: PERMISSION_DENIED
//	assertions:
//	  - type: final_state
//	    service: counter
//	    expect: {count: 3}
//
// The user "system" is always defined and invokes as the system principal.
// permissions_file may name a table file instead of an inline table.
//
// # Assertion Types
//
//   - trace_contains: an action was invoked with a payload matching data
//   - trace_order: actions were first invoked in the given order
//   - trace_count: an action was invoked exactly count times
//   - notification_count: a service delivered exactly count commits
//   - final_state: a service's final state, optionally viewed as a user,
//     matches expect
//
// Objects match as subsets: keys absent from the expectation are ignored.
//
// # Deterministic Testing
//
// Invocation IDs come from a sequence generator and trace events are
// numbered by a logical clock, so a scenario produces the same trace on
// every run. RunWithGolden compares that trace with
// testdata/golden/<name>.golden.
package harness
