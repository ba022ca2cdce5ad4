package harness

import "github.com/roach88/homesync/internal/state"

// Trace event types.
const (
	EventInvocation   = "invocation"
	EventNotification = "notification"
	EventCompletion   = "completion"
)

// TraceEvent is one entry of a scenario trace.
//
// An invocation is followed by the notifications its commit delivered, then
// by its completion. Seq numbers the events of one run from 1.
type TraceEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`

	// Action is "service.action" (invocation, completion).
	Action string `json:"action,omitempty"`
	// User is the invoking username (invocation).
	User string      `json:"user,omitempty"`
	Data state.Value `json:"data,omitempty"`

	// Result is the action's return value and Error the error code of a
	// failed invocation (completion).
	Result state.Value `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	// Service, Revision and State describe a delivered commit (notification).
	Service  string       `json:"service,omitempty"`
	Revision int64        `json:"revision,omitempty"`
	State    state.Object `json:"state,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every invocation, notification and completion in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final committed state of every service.
	State map[string]state.Object `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]state.Object),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Invocations returns the invocation events of the trace.
func (r *Result) Invocations() []TraceEvent {
	return r.filter(EventInvocation)
}

// Notifications returns the notification events of the trace.
func (r *Result) Notifications() []TraceEvent {
	return r.filter(EventNotification)
}

func (r *Result) filter(typ string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
