package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/state"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventInvocation {
				fmt.Fprintf(&buf, "  [%d] %s as %s %s\n", event.Seq, event.Action, event.User, render(event.Data))
			}
		}
	}
	return buf.String()
}

// AssertionContext provides what final_state assertions read.
type AssertionContext struct {
	Registry *engine.Registry
	Users    map[string]authz.User
}

// assertTraceContains checks that some invocation of the action carried a
// payload matching the expected data as a subset.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	want, err := convertData(a.Data)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	for _, event := range trace {
		if event.Type != EventInvocation || event.Action != a.Action {
			continue
		}
		if want == nil || matchValue(want, event.Data) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with data %s", a.Action, render(want)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that actions were first invoked in the given
// order. Other invocations may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int64)
	for _, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		if _, seen := positions[event.Action]; !seen {
			positions[event.Action] = event.Seq
		}
	}

	for _, action := range a.Actions {
		if _, ok := positions[action]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that the action was invoked exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d invocations of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d invocations", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertNotificationCount checks how many commits of the service were
// delivered to subscribers.
func assertNotificationCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventNotification && event.Service == a.Service {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d notifications from %s", a.Count, a.Service),
			Actual:   fmt.Sprintf("%d notifications", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState matches the expected fields against the service's final
// state, read through the As user's filters when one is named.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	h, err := actx.Registry.Service(a.Service)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("service %s", a.Service),
			Actual:   err.Error(),
		}
	}

	actual := h.CurrentState()
	if a.As != "" {
		user, ok := actx.Users[a.As]
		if !ok {
			return fmt.Errorf("final_state: unknown user %q", a.As)
		}
		actual = h.View(user)
	}

	want, err := convertData(a.Expect)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}
	if want == nil {
		return nil
	}
	if !matchValue(want, actual) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s state matching %s", a.Service, render(want)),
			Actual:   render(actual),
		}
	}
	return nil
}

// matchValue reports whether actual matches expected. Objects match when
// every expected key is present with a matching value; extra keys in
// actual are ignored. Arrays match element-wise and must have the same
// length. Scalars must be equal.
func matchValue(expected, actual state.Value) bool {
	switch exp := expected.(type) {
	case state.Object:
		act, ok := actual.(state.Object)
		if !ok {
			return false
		}
		for key, want := range exp {
			got, exists := act[key]
			if !exists || !matchValue(want, got) {
				return false
			}
		}
		return true
	case state.Array:
		act, ok := actual.(state.Array)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !matchValue(exp[i], act[i]) {
				return false
			}
		}
		return true
	default:
		return state.Equal(expected, actual)
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertNotificationCount:
			err = assertNotificationCount(result.Trace, a)
		case AssertFinalState:
			if actx == nil || actx.Registry == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a registry", i)
			} else {
				err = assertFinalState(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
