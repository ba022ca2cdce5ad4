package engine

import (
	"errors"
	"fmt"
)

// DefaultMaxCallDepth bounds how many handlers may be nested through
// ActionContext.Invoke. See WithMaxCallDepth.
const DefaultMaxCallDepth = 16

// CallDepthError is returned when a nested invocation would exceed the
// registry's call depth limit.
type CallDepthError struct {
	Target string
	Action string
	Depth  int // locks already held by the chain
	Limit  int
}

func (e *CallDepthError) Error() string {
	return fmt.Sprintf("invoke %s.%s: call depth %d exceeds limit %d",
		e.Target, e.Action, e.Depth+1, e.Limit)
}

// IsCallDepthExceeded reports whether err is or wraps a CallDepthError.
func IsCallDepthExceeded(err error) bool {
	var de *CallDepthError
	return errors.As(err, &de)
}

// checkDepth decides whether an invocation of target.action may run its
// handler under chain.
func (r *Registry) checkDepth(chain *callChain, target, action string) error {
	if chain.depth() >= r.maxCallDepth {
		return &CallDepthError{Target: target, Action: action, Depth: chain.depth(), Limit: r.maxCallDepth}
	}
	return nil
}
