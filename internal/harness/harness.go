package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/plugin"
	"github.com/roach88/homesync/internal/plugins"
	"github.com/roach88/homesync/internal/state"
	"github.com/roach88/homesync/internal/testutil"
)

// Harness is the test execution engine.
// It runs one scenario against a fresh registry with sequential invocation
// IDs ("inv-1", "inv-2", ...), so traces are reproducible.
type Harness struct {
	registry *engine.Registry
	users    map[string]authz.User
	logger   *slog.Logger

	mu     sync.Mutex
	clock  *engine.Clock
	result *Result
}

// Option configures Run.
type Option func(*options)

type options struct {
	logger *slog.Logger
	checks []Check
}

// WithLogger sends harness and engine logs to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCheck adds a check that RunSuite applies to every scenario that ran.
// Run ignores it.
func WithCheck(c Check) Option {
	return func(o *options) { o.checks = append(o.checks, c) }
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
//  1. Build the permission table and load the scenario's plugins
//  2. Subscribe to every service to trace notifications
//  3. Execute setup steps (each must succeed)
//  4. Execute flow steps, checking expect clauses
//  5. Evaluate assertions against the trace and final state
//
// A returned error means the scenario could not run; failed expectations
// are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: testutil.DiscardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	table, err := loadPermissions(scenario)
	if err != nil {
		return nil, err
	}
	selected, err := plugins.Select(scenario.Plugins)
	if err != nil {
		return nil, err
	}

	r := testutil.NewRegistry(table, engine.WithLogger(o.logger))
	if err := plugin.Load(r, selected...); err != nil {
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}

	h := &Harness{
		registry: r,
		users:    buildUsers(scenario.Users),
		logger:   o.logger.With("scenario", scenario.Name),
		clock:    engine.NewClock(),
		result:   NewResult(),
	}

	for _, name := range r.Services() {
		svc, err := r.Service(name)
		if err != nil {
			return nil, err
		}
		defer svc.Subscribe(h.notified)()
	}

	for i, step := range scenario.Setup {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Invoke, err)
		}
		h.logger.Info("setup step completed", "step", i, "action", step.Invoke)
	}

	for i, step := range scenario.Flow {
		err := h.execute(ctx, step)
		if err != nil {
			h.result.AddError(fmt.Sprintf("flow step %d (%s as %s): %v", i, step.Invoke, step.As, err))
		}
		h.logger.Info("flow step completed", "step", i, "action", step.Invoke, "ok", err == nil)
	}

	h.result.State = r.Snapshot()

	actx := &AssertionContext{Registry: r, Users: h.users}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// RunFile loads and runs the scenario at path.
func RunFile(ctx context.Context, path string, opts ...Option) (*Scenario, *Result, error) {
	scenario, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := Run(ctx, scenario, opts...)
	return scenario, result, err
}

func loadPermissions(s *Scenario) (*authz.Table, error) {
	if s.PermissionsFile != "" {
		return authz.LoadTableFile(s.PermissionsFile)
	}
	table, err := s.Permissions.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid permissions: %w", err)
	}
	return table, nil
}

func buildUsers(roles map[string]string) map[string]authz.User {
	users := map[string]authz.User{SystemUser: authz.System}
	for name, role := range roles {
		users[name] = authz.User{Username: name, Role: role}
	}
	return users
}

// execute invokes one step, traces it and checks its expect clause.
func (h *Harness) execute(ctx context.Context, step Step) error {
	data, err := convertData(step.Data)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	service, action := step.Target()

	h.record(TraceEvent{Type: EventInvocation, Action: step.Invoke, User: step.As, Data: data})
	out, invokeErr := h.registry.Invoke(ctx, service, action, data, h.users[step.As])

	done := TraceEvent{Type: EventCompletion, Action: step.Invoke}
	if invokeErr != nil {
		done.Error = string(engine.Public(invokeErr, false).Code)
	} else {
		done.Result = out
	}
	h.record(done)

	return checkExpect(step.Expect, out, invokeErr)
}

// notified traces a delivered commit.
func (h *Harness) notified(s engine.Snapshot) {
	h.record(TraceEvent{
		Type:     EventNotification,
		Service:  s.Service,
		Revision: s.Revision,
		State:    s.State,
	})
}

func (h *Harness) record(e TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.Seq = h.clock.Next()
	h.result.Trace = append(h.result.Trace, e)
}

func checkExpect(expect *Expect, out state.Value, err error) error {
	code := ""
	if err != nil {
		code = string(engine.Public(err, true).Code)
	}

	switch {
	case expect == nil || expect.Error == "":
		if err != nil {
			return fmt.Errorf("unexpected error %s: %v", code, err)
		}
	case err == nil:
		return fmt.Errorf("expected error %s, got success", expect.Error)
	case code != expect.Error:
		return fmt.Errorf("expected error %s, got %s: %v", expect.Error, code, err)
	default:
		return nil
	}

	if expect == nil || expect.Result == nil {
		return nil
	}
	want, convErr := convertData(expect.Result)
	if convErr != nil {
		return fmt.Errorf("expect result: %w", convErr)
	}
	if !matchValue(want, out) {
		return fmt.Errorf("result mismatch: expected %s, got %s", render(want), render(out))
	}
	return nil
}

// convertData converts a YAML-decoded value to a state.Value. Nil stays nil.
func convertData(v any) (state.Value, error) {
	if v == nil {
		return nil, nil
	}
	return state.FromAny(v)
}

func render(v state.Value) string {
	b, err := state.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
