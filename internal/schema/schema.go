package schema

import (
	"context"
	"fmt"

	"github.com/roach88/homesync/internal/state"
)

// Validator checks data and returns its validated form.
type Validator interface {
	Validate(ctx context.Context, data state.Value) (state.Value, error)
}

// Func adapts a function to the Validator interface.
type Func func(ctx context.Context, data state.Value) (state.Value, error)

// Validate calls f.
func (f Func) Validate(ctx context.Context, data state.Value) (state.Value, error) {
	return f(ctx, data)
}

// Predicate builds a Validator from a check that does not transform data.
// A non-nil error from check rejects the payload.
func Predicate(check func(data state.Value) error) Validator {
	return Func(func(_ context.Context, data state.Value) (state.Value, error) {
		if err := check(data); err != nil {
			return nil, err
		}
		return data, nil
	})
}

// Error describes why a payload was rejected.
type Error struct {
	// Path is the location of the violation inside the payload, if known.
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Errorf returns an *Error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}
