package authz

import (
	"context"
	"fmt"

	celgo "github.com/google/cel-go/cel"

	"github.com/roach88/homesync/internal/state"
)

// Input is what a Condition sees for one invocation.
type Input struct {
	User  User
	Data  state.Value
	State state.Object
}

// Condition is a boolean check over an invocation. A false result denies.
type Condition interface {
	Allow(ctx context.Context, in Input) (bool, error)
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(ctx context.Context, in Input) (bool, error)

// Allow calls f.
func (f ConditionFunc) Allow(ctx context.Context, in Input) (bool, error) {
	return f(ctx, in)
}

// CEL is a Condition compiled from a CEL expression. The expression sees
// three variables:
//
//	user   map with "username" and "role"
//	data   the action payload
//	state  the service's committed state
//
// Example: `user.role == "admin" || data.owner == user.username`.
type CEL struct {
	source  string
	program celgo.Program
}

// CompileCEL parses and checks a CEL expression.
func CompileCEL(source string) (*CEL, error) {
	if source == "" {
		return nil, fmt.Errorf("cel: expression must not be empty")
	}
	env, err := celgo.NewEnv(
		celgo.Variable("user", celgo.DynType),
		celgo.Variable("data", celgo.DynType),
		celgo.Variable("state", celgo.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: build env: %w", err)
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile %q: %w", source, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel: program %q: %w", source, err)
	}
	return &CEL{source: source, program: prg}, nil
}

// MustCEL is CompileCEL for expressions fixed at setup time.
func MustCEL(source string) *CEL {
	c, err := CompileCEL(source)
	if err != nil {
		panic(err)
	}
	return c
}

// Allow evaluates the expression. A non-boolean result is an error.
func (c *CEL) Allow(ctx context.Context, in Input) (bool, error) {
	vars := map[string]any{
		"user": map[string]any{
			"username": in.User.Username,
			"role":     in.User.Role,
		},
		"data":  state.ToAny(in.Data),
		"state": state.ToAny(in.State),
	}
	out, _, err := c.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("cel: eval %q: %w", c.source, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: %q returned %T, want bool", c.source, out.Value())
	}
	return allowed, nil
}

func (c *CEL) String() string {
	return c.source
}
