package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/state"
)

// invoke is the action pipeline:
//
//  1. resolve the action
//  2. authorize, in declaration order, composing granted filters
//  3. validate the payload
//  4. run the handler on a working copy (writer lock held)
//  5. commit the working copy if the handler changed it
//  6. enqueue a notification for the commit (writer lock held), then
//     deliver outside the lock
//  7. return the handler's value
//
// Steps 1-3 never touch state. A failure anywhere leaves the committed
// state and the subscribers untouched.
func (s *Service) invoke(ctx context.Context, action string, data state.Value, user authz.User) (state.Value, error) {
	start := time.Now()
	if data == nil {
		data = state.Null{}
	}

	desc, ok := s.action(action)
	if !ok {
		err := &UnknownActionError{Service: s.name, Action: action}
		s.logger.Debug("invoke rejected", "action", action, "user", user.String(), "error", err)
		s.registry.observe(Outcome{Service: s.name, Action: action, User: user, Err: err, StartedAt: start, Duration: time.Since(start)})
		return nil, err
	}

	id := s.registry.ids.Generate()
	ac := &ActionContext{
		ctx:     ctx,
		service: s,
		action:  action,
		user:    user,
		id:      id,
		logger:  s.logger.With("action", action, "invocation_id", id, "user", user.String()),
	}

	fail := func(err error) (state.Value, error) {
		s.registry.observe(Outcome{
			Service: s.name, Action: action, InvocationID: id, User: user,
			Err: err, StartedAt: start, Duration: time.Since(start),
		})
		return nil, err
	}

	if err := s.authorize(ac, desc, data); err != nil {
		ac.logger.Info("permission denied", "error", err)
		return fail(err)
	}

	if desc.validator != nil {
		validated, err := desc.validator.Validate(ctx, data)
		if err != nil {
			verr := &ValidationError{Service: s.name, Action: action, Message: err.Error(), Err: err}
			ac.logger.Debug("validation failed", "error", err)
			return fail(verr)
		}
		if validated == nil {
			validated = state.Null{}
		}
		data = validated
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	result, n, err := s.execute(ac, desc, data, start)
	s.settle(ctx, ac)
	if err != nil {
		return fail(err)
	}

	if n == nil {
		ac.logger.Debug("action completed", "committed", false)
		s.registry.observe(Outcome{
			Service: s.name, Action: action, InvocationID: id, User: user,
			StartedAt: start, Duration: time.Since(start),
		})
		return result, nil
	}

	ac.logger.Debug("action completed", "committed", true, "revision", n.snapshot.Revision)
	return result, nil
}

// settle delivers pending notifications once the writer lock is released.
// A call nested under another handler's lock leaves them to the call tree;
// the outermost call flushes the tree first, then its own outbox.
func (s *Service) settle(ctx context.Context, ac *ActionContext) {
	if tree := chainFrom(ctx).tree; tree != nil && tree.hold(s) {
		return
	}
	if ac.chain != nil && chainFrom(ctx).tree == nil {
		ac.chain.tree.flush()
	}
	s.outbox.drain(s.deliver)
}

// authorize checks every requirement in declaration order and installs
// the composed filter on ac. The first denial wins.
func (s *Service) authorize(ac *ActionContext, desc *actionDescriptor, data state.Value) error {
	var filters []authz.Filter
	for _, req := range desc.requirements {
		if req.permission != nil {
			if ac.user.IsSystem() {
				continue
			}
			p := *req.permission
			d := s.registry.evaluator.Evaluate(ac.user.Role, p.Verb, p.Resource, p.Scope)
			if !d.Granted {
				return &PermissionDeniedError{Service: s.name, Action: ac.action, User: ac.user, Permission: p}
			}
			if d.Filter != nil {
				filters = append(filters, d.Filter)
				ac.filter = authz.Compose(filters...)
			}
			continue
		}

		if err := s.runPredicate(req.predicate, ac, data); err != nil {
			if IsForbidden(err) || IsInternal(err) {
				return err
			}
			ac.logger.Debug("predicate failed", "error", err)
			return &PermissionDeniedError{Service: s.name, Action: ac.action, User: ac.user, Reason: "permission check failed", Err: err}
		}
	}
	return nil
}

func (s *Service) runPredicate(p Predicate, ac *ActionContext, data state.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ac.logger.Error("predicate panicked", "panic", r)
			err = &HandlerError{Service: s.name, Action: ac.action, InvocationID: ac.id, Err: fmt.Errorf("predicate panic: %v", r)}
		}
	}()
	return p(ac, data)
}

// execute runs steps 4-6 under the writer lock. It returns the enqueued
// notification, or nil when nothing was committed.
func (s *Service) execute(ac *ActionContext, desc *actionDescriptor, data state.Value, start time.Time) (state.Value, *notification, error) {
	r := s.registry
	parent := chainFrom(ac.ctx)
	if err := r.checkDepth(parent, s.name, ac.action); err != nil {
		ac.logger.Warn("nested invoke refused", "error", err)
		return nil, nil, err
	}
	l, err := r.locks.acquire(s.name, ac.action, parent)
	if err != nil {
		ac.logger.Warn("nested invoke refused", "error", err)
		return nil, nil, err
	}
	defer r.locks.release(l)

	prev := s.current.Load()
	ac.begin(prev.state, parent.push(l))

	result, err := s.runHandler(desc.handler, ac, data)
	working, dirty := ac.finish()
	if err != nil {
		return nil, nil, err
	}
	if result == nil {
		result = state.Null{}
	}
	if !dirty {
		return result, nil, nil
	}

	next := &committed{revision: prev.revision + 1, state: working}
	seq := s.registry.clock.Next()
	s.current.Store(next)

	n := notification{
		snapshot: Snapshot{Service: s.name, Revision: next.revision, State: next.state},
		outcome: Outcome{
			Service:      s.name,
			Action:       ac.action,
			InvocationID: ac.id,
			User:         ac.user,
			Committed:    true,
			Seq:          seq,
			Revision:     next.revision,
			State:        next.state,
			StartedAt:    start,
			Duration:     time.Since(start),
		},
	}
	s.outbox.enqueue(n)
	return result, &n, nil
}

// runHandler calls h and classifies its failure. Caller-facing errors
// pass through; anything else becomes a HandlerError logged with detail.
func (s *Service) runHandler(h Handler, ac *ActionContext, data state.Value) (result state.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Service: s.name, Action: ac.action, InvocationID: ac.id, Err: fmt.Errorf("panic: %v", r)}
			ac.logger.Error("handler panicked", "panic", r)
		}
	}()

	result, err = h(ac, data)
	if err == nil {
		return result, nil
	}

	if IsInvalid(err) || IsForbidden(err) {
		ac.logger.Debug("handler rejected request", "error", err)
		return nil, err
	}
	var herr *HandlerError
	if !errors.As(err, &herr) {
		herr = &HandlerError{Service: s.name, Action: ac.action, InvocationID: ac.id, Err: err}
	}
	ac.logger.Error("handler failed", "error", herr.Detail())
	return nil, herr
}
