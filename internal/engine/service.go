package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/state"
)

// ReadFilter shapes a committed state for one viewer. Filters receive a
// private copy and may modify it.
type ReadFilter func(user authz.User, st state.Object) state.Object

// committed is an immutable (revision, state) pair.
type committed struct {
	revision int64
	state    state.Object
}

// Service is a named state container with its actions and subscribers.
//
// The value returned by CreateService is the owner's handle: it can define
// actions and add read filters. Other code reaches the service through
// Registry.Service, which returns a narrower Handle.
type Service struct {
	registry *Registry
	name     string
	logger   *slog.Logger

	current atomic.Pointer[committed]
	outbox  *outbox
	subs    subscribers

	defsMu  sync.RWMutex
	actions map[string]*actionDescriptor
	filters []ReadFilter
}

func newService(r *Registry, name string, initial state.Object) *Service {
	s := &Service{
		registry: r,
		name:     name,
		logger:   r.logger.With("service", name),
		outbox:   newOutbox(),
		actions:  make(map[string]*actionDescriptor),
	}
	s.current.Store(&committed{state: initial})
	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// CurrentState returns the last committed state. The object is shared and
// must not be modified.
func (s *Service) CurrentState() state.Object {
	return s.current.Load().state
}

// Revision returns the number of commits so far.
func (s *Service) Revision() int64 {
	return s.current.Load().revision
}

// Subscribe registers fn for every future commit and returns a function
// that removes it. Unsubscribing twice is harmless.
func (s *Service) Subscribe(fn Listener) func() {
	return s.subs.add(fn)
}

// Subscribers returns the number of active listeners.
func (s *Service) Subscribers() int {
	return s.subs.count()
}

// AddFilter appends a read filter applied by View.
func (s *Service) AddFilter(f ReadFilter) {
	s.defsMu.Lock()
	s.filters = append(s.filters, f)
	s.defsMu.Unlock()
}

// View returns the current state as seen by user, after every read
// filter in registration order. The result is never shared.
func (s *Service) View(user authz.User) state.Object {
	s.defsMu.RLock()
	filters := s.filters
	s.defsMu.RUnlock()

	out := s.CurrentState().Clone()
	for _, f := range filters {
		out = f(user, out)
		if out == nil {
			out = state.Object{}
		}
	}
	return out
}

// Actions returns the defined action names in sorted order.
func (s *Service) Actions() []string {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()

	names := make([]string, 0, len(s.actions))
	for name := range s.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the action pipeline for one call.
//
// Handlers of one service run one at a time; the writer lock is taken in
// the registry's lock table, which refuses with a CallCycleError any wait
// that could never end. Notifications are delivered after the lock is
// released and before Invoke returns, except in two cases. When another
// invocation of the service is already delivering, it delivers this
// commit too and Invoke may return first. When the call is nested under a
// handler of another service, delivery waits until the outermost handler
// of the chain has released its lock.
func (s *Service) Invoke(ctx context.Context, action string, data state.Value, user authz.User) (state.Value, error) {
	return s.invoke(ctx, action, data, user)
}

func (s *Service) hasAction(name string) bool {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()
	_, ok := s.actions[name]
	return ok
}

func (s *Service) action(name string) (*actionDescriptor, bool) {
	s.defsMu.RLock()
	defer s.defsMu.RUnlock()
	d, ok := s.actions[name]
	return d, ok
}

func (s *Service) addAction(d *actionDescriptor) error {
	s.defsMu.Lock()
	defer s.defsMu.Unlock()
	if _, exists := s.actions[d.name]; exists {
		return &DuplicateActionError{Service: s.name, Action: d.name}
	}
	s.actions[d.name] = d
	s.logger.Debug("action registered", "action", d.name, "requirements", len(d.requirements))
	return nil
}

// deliver broadcasts one notification to listeners, then observers.
func (s *Service) deliver(n notification) {
	for _, sub := range s.subs.snapshot() {
		if !sub.active.Load() {
			continue
		}
		s.callListener(sub.fn, n.snapshot)
	}
	s.registry.observe(n.outcome)
}

func (s *Service) callListener(fn Listener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", "revision", snap.Revision, "panic", r)
		}
	}()
	fn(snap)
}
