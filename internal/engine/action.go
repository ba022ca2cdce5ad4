package engine

import (
	"fmt"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/schema"
	"github.com/roach88/homesync/internal/state"
)

// Handler runs an action. It reads and mutates state through ctx and
// returns a value for the caller, which it should pass through ctx.Filter
// when it contains protected data.
type Handler func(ctx *ActionContext, data state.Value) (state.Value, error)

// Predicate is a custom authorization check. Returning a non-nil error
// denies the invocation; ctx.Forbidden builds a suitable one.
type Predicate func(ctx *ActionContext, data state.Value) error

// requirement is either a permission triple or a predicate.
type requirement struct {
	permission *authz.Permission
	predicate  Predicate
}

// actionDescriptor is the finalized definition of an action.
type actionDescriptor struct {
	name         string
	handler      Handler
	validator    schema.Validator
	requirements []requirement
}

// ActionBuilder accumulates an action definition. Nothing is visible on
// the service until Register succeeds.
type ActionBuilder struct {
	service *Service
	desc    actionDescriptor
	err     error
	done    bool
}

// DefineAction starts a definition. Every action implicitly requires
// (update, <service name>, any) before any explicit requirement.
func (s *Service) DefineAction(name string) *ActionBuilder {
	b := &ActionBuilder{
		service: s,
		desc: actionDescriptor{
			name: name,
			requirements: []requirement{{
				permission: &authz.Permission{Verb: authz.VerbUpdate, Resource: s.name, Scope: authz.ScopeAny},
			}},
		},
	}
	if name == "" {
		b.fail("action name is empty")
	} else if s.hasAction(name) {
		b.err = &DuplicateActionError{Service: s.name, Action: name}
	}
	return b
}

func (b *ActionBuilder) fail(reason string) {
	if b.err == nil {
		b.err = &InvalidActionError{Service: b.service.name, Action: b.desc.name, Reason: reason}
	}
}

// Handler sets the function that runs the action.
func (b *ActionBuilder) Handler(h Handler) *ActionBuilder {
	b.desc.handler = h
	return b
}

// Validate sets the payload validator. The validator's output is what the
// handler receives.
func (b *ActionBuilder) Validate(v schema.Validator) *ActionBuilder {
	b.desc.validator = v
	return b
}

// ValidateCUE compiles a CUE schema and uses it as the validator.
func (b *ActionBuilder) ValidateCUE(source string, opts ...schema.CUEOption) *ActionBuilder {
	opts = append([]schema.CUEOption{schema.WithFilename(b.service.name + "." + b.desc.name + ".cue")}, opts...)
	v, err := schema.CompileCUE(source, opts...)
	if err != nil {
		b.fail(fmt.Sprintf("schema: %v", err))
		return b
	}
	return b.Validate(v)
}

// RequirePermission appends a permission triple requirement.
func (b *ActionBuilder) RequirePermission(verb authz.Verb, resource string, scope authz.Scope) *ActionBuilder {
	return b.RequirePermissions(authz.Permission{Verb: verb, Resource: resource, Scope: scope})
}

// RequirePermissions appends several triple requirements in order.
func (b *ActionBuilder) RequirePermissions(perms ...authz.Permission) *ActionBuilder {
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			b.fail(err.Error())
			continue
		}
		b.desc.requirements = append(b.desc.requirements, requirement{permission: &p})
	}
	return b
}

// EvaluatePermission appends a predicate requirement.
func (b *ActionBuilder) EvaluatePermission(p Predicate) *ActionBuilder {
	if p == nil {
		b.fail("nil predicate")
		return b
	}
	b.desc.requirements = append(b.desc.requirements, requirement{predicate: p})
	return b
}

// RequireCondition appends a predicate requirement backed by an
// authz.Condition, such as a compiled CEL expression. The condition sees
// the acting user, the raw payload and the committed state.
func (b *ActionBuilder) RequireCondition(c authz.Condition) *ActionBuilder {
	if c == nil {
		b.fail("nil condition")
		return b
	}
	return b.EvaluatePermission(func(ctx *ActionContext, data state.Value) error {
		ok, err := c.Allow(ctx.Context(), authz.Input{
			User:  ctx.User(),
			Data:  data,
			State: ctx.service.CurrentState(),
		})
		if err != nil {
			return err
		}
		if !ok {
			ctx.Logger().Debug("condition denied", "condition", fmt.Sprint(c))
			return ctx.Forbidden("condition not met")
		}
		return nil
	})
}

// Err returns the first error recorded while building.
func (b *ActionBuilder) Err() error {
	return b.err
}

// Register finalizes the definition and makes the action invocable.
func (b *ActionBuilder) Register() error {
	if b.done {
		return &DuplicateActionError{Service: b.service.name, Action: b.desc.name}
	}
	if b.err != nil {
		return b.err
	}
	if b.desc.handler == nil {
		return &InvalidActionError{Service: b.service.name, Action: b.desc.name, Reason: "no handler"}
	}

	desc := b.desc
	desc.requirements = append([]requirement(nil), b.desc.requirements...)
	if err := b.service.addAction(&desc); err != nil {
		return err
	}
	b.done = true
	return nil
}

// MustRegister is like Register but panics on error.
func (b *ActionBuilder) MustRegister() {
	if err := b.Register(); err != nil {
		panic(err)
	}
}
