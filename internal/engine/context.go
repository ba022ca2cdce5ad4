package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/state"
)

type phase int

const (
	phaseAuthorize phase = iota
	phaseExecute
	phaseDone
)

// ActionContext is handed to predicates and handlers for one invocation.
//
// Handlers change state only through Set, Delete and Replace. The pipeline
// commits the working copy when, and only when, one of them was called.
type ActionContext struct {
	ctx     context.Context
	service *Service
	action  string
	user    authz.User
	id      string
	logger  *slog.Logger
	filter  authz.Filter

	mu      sync.Mutex
	phase   phase
	working state.Object
	dirty   bool
	chain   *callChain // set while the writer lock is held
}

// Context returns the caller's context.
func (c *ActionContext) Context() context.Context { return c.ctx }

// User returns the acting principal.
func (c *ActionContext) User() authz.User { return c.user }

// Service returns the name of the service the action belongs to.
func (c *ActionContext) Service() string { return c.service.name }

// Action returns the action name.
func (c *ActionContext) Action() string { return c.action }

// InvocationID returns the ID correlating this invocation's logs,
// journal entry and notification.
func (c *ActionContext) InvocationID() string { return c.id }

// Logger returns a logger annotated with the invocation's identifiers.
func (c *ActionContext) Logger() *slog.Logger { return c.logger }

// Filter applies the composition of the filters granted during
// authorization, in declaration order.
func (c *ActionContext) Filter(v state.Value) state.Value {
	if c.filter == nil {
		return v
	}
	return c.filter(v)
}

// State returns a copy of the working state. During authorization this is
// the committed state.
func (c *ActionContext) State() state.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseExecute {
		return c.working.Clone()
	}
	return c.service.CurrentState().Clone()
}

// Get returns a copy of one top-level field of the working state, or
// Null when absent.
func (c *ActionContext) Get(key string) state.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseExecute {
		return state.Clone(c.working.Get(key))
	}
	return state.Clone(c.service.CurrentState().Get(key))
}

// Set assigns a top-level field.
func (c *ActionContext) Set(key string, v state.Value) {
	c.mutate("Set", func() {
		c.working[key] = state.Clone(v)
	})
}

// Delete removes a top-level field. Deleting an absent field still marks
// the state dirty.
func (c *ActionContext) Delete(key string) {
	c.mutate("Delete", func() {
		delete(c.working, key)
	})
}

// Replace swaps the whole working state for a copy of obj.
func (c *ActionContext) Replace(obj state.Object) {
	c.mutate("Replace", func() {
		c.working = obj.Clone()
	})
}

// Dirty reports whether the handler has changed state.
func (c *ActionContext) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

func (c *ActionContext) mutate(op string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseExecute {
		panic(fmt.Sprintf("engine: %s on %s.%s outside the handler", op, c.service.name, c.action))
	}
	fn()
	c.dirty = true
}

// UserError returns an error whose message is shown to the caller.
func (c *ActionContext) UserError(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns a permission denial carrying the given reason.
func (c *ActionContext) Forbidden(format string, args ...any) error {
	return &PermissionDeniedError{
		Service: c.service.name,
		Action:  c.action,
		User:    c.user,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// Invoke runs an action on another service as the same user.
//
// A call that would wait for a writer lock held by its own chain, itself
// included, fails with a CallCycleError instead of deadlocking. Nesting
// deeper than the registry's limit fails with a CallDepthError.
// Notifications of nested commits are delivered after the outermost
// handler of the chain releases its lock.
func (c *ActionContext) Invoke(service, action string, data state.Value) (state.Value, error) {
	return c.invokeAs(service, action, data, c.user)
}

// InvokeAsSystem is like Invoke but acts as the system principal.
func (c *ActionContext) InvokeAsSystem(service, action string, data state.Value) (state.Value, error) {
	return c.invokeAs(service, action, data, authz.System)
}

func (c *ActionContext) invokeAs(service, action string, data state.Value, user authz.User) (state.Value, error) {
	c.mu.Lock()
	chain := c.chain
	if c.phase != phaseExecute {
		chain = nil
	}
	c.mu.Unlock()

	ctx := c.ctx
	if chain != nil {
		ctx = withChain(ctx, chain)
	}
	return c.service.registry.Invoke(ctx, service, action, data, user)
}

// begin starts the execute phase with a copy of committed.
// Called with the service writer lock held; chain includes its lease.
func (c *ActionContext) begin(committed state.Object, chain *callChain) {
	c.mu.Lock()
	c.phase = phaseExecute
	c.chain = chain
	c.working = committed.Clone()
	c.mu.Unlock()
}

// finish ends the execute phase and hands over the working copy.
// Later mutation attempts panic.
func (c *ActionContext) finish() (state.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phaseDone
	working := c.working
	c.working = nil
	return working, c.dirty
}
