package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/state"
)

// Registry owns the named services of one process.
//
// Thread-safety model:
//   - CreateService, Service, Invoke, Snapshot: safe from any goroutine
//   - writes to one service are serialized by that service's lock;
//     different services never block each other
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service

	evaluator authz.Evaluator
	logger    *slog.Logger
	ids       IDGenerator
	clock     *Clock
	observers []Observer
	expose    func(authz.User) bool

	locks        *lockTable
	maxCallDepth int
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvaluator sets the permission evaluator. Default: authz.DenyAll,
// so only the system principal can invoke anything. A nil ev keeps the
// default.
func WithEvaluator(ev authz.Evaluator) Option {
	return func(r *Registry) {
		if ev != nil {
			r.evaluator = ev
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithObserver adds an invocation observer. Observers are called in the
// order they were added.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observers = append(r.observers, o)
	}
}

// WithIDGenerator sets the invocation ID source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Registry) {
		r.ids = g
	}
}

// WithClock sets the commit sequence clock, e.g. NewClockAt(journal.LastSeq()).
func WithClock(c *Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithErrorExposure decides which users see the original message of
// internal handler failures. Default: the system principal, plus any role
// granted (read, internal-errors, any) by the evaluator.
func WithErrorExposure(fn func(authz.User) bool) Option {
	return func(r *Registry) {
		r.expose = fn
	}
}

// WithMaxCallDepth limits how deeply handlers may nest calls through
// ActionContext.Invoke. Default: DefaultMaxCallDepth. n < 1 keeps the default.
func WithMaxCallDepth(n int) Option {
	return func(r *Registry) {
		if n >= 1 {
			r.maxCallDepth = n
		}
	}
}

// ExposureResource is the resource checked by the default exposure policy.
const ExposureResource = "internal-errors"

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		services:  make(map[string]*Service),
		evaluator: authz.DenyAll,
		ids:       UUIDv7Generator{},
		clock:     NewClock(),

		locks:        newLockTable(),
		maxCallDepth: DefaultMaxCallDepth,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.expose == nil {
		r.expose = func(u authz.User) bool {
			if u.IsSystem() {
				return true
			}
			return r.evaluator.Evaluate(u.Role, authz.VerbRead, ExposureResource, authz.ScopeAny).Granted
		}
	}
	return r
}

// CreateService registers a new service with the given initial state.
// A nil initial state starts empty.
func (r *Registry) CreateService(name string, initial state.Object) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[name]; exists {
		return nil, &DuplicateNameError{Name: name}
	}

	s := newService(r, name, initial.Clone())
	r.services[name] = s

	r.logger.Debug("service created", "service", name)
	return s, nil
}

// MustCreateService is like CreateService but panics on error.
func (r *Registry) MustCreateService(name string, initial state.Object) *Service {
	s, err := r.CreateService(name, initial)
	if err != nil {
		panic(err)
	}
	return s
}

// Service returns the public handle of a service.
func (r *Registry) Service(name string) (Handle, error) {
	s, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return handle{s: s}, nil
}

func (r *Registry) lookup(name string) (*Service, error) {
	r.mu.RLock()
	s, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownServiceError{Name: name}
	}
	return s, nil
}

// Invoke runs an action on the named service. See Service.Invoke.
func (r *Registry) Invoke(ctx context.Context, service, action string, data state.Value, user authz.User) (state.Value, error) {
	s, err := r.lookup(service)
	if err != nil {
		r.logger.Debug("invoke rejected", "service", service, "action", action, "error", err)
		return nil, err
	}
	return s.Invoke(ctx, action, data, user)
}

// Services returns the registered service names in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the committed state of every service, unfiltered.
// The returned objects are shared with the services and must not be modified.
func (r *Registry) Snapshot() map[string]state.Object {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]state.Object, len(r.services))
	for name, s := range r.services {
		out[name] = s.CurrentState()
	}
	return out
}

// SnapshotFor returns every service's state as seen by user, with each
// service's read filters applied.
func (r *Registry) SnapshotFor(user authz.User) map[string]state.Object {
	r.mu.RLock()
	services := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, s)
	}
	r.mu.RUnlock()

	out := make(map[string]state.Object, len(services))
	for _, s := range services {
		out[s.name] = s.View(user)
	}
	return out
}

// Reply reduces err to its caller-facing form for user, exposing internal
// messages according to the registry's exposure policy.
func (r *Registry) Reply(err error, user authz.User) Reply {
	return Public(err, r.expose(user))
}

// Evaluator returns the registry's permission evaluator.
func (r *Registry) Evaluator() authz.Evaluator {
	return r.evaluator
}

// Logger returns the registry's logger.
func (r *Registry) Logger() *slog.Logger {
	return r.logger
}

// Seq returns the sequence number of the most recent commit.
func (r *Registry) Seq() int64 {
	return r.clock.Current()
}

func (r *Registry) observe(o Outcome) {
	for _, obs := range r.observers {
		obs.Observe(o)
	}
}

// Handle is the view of a service available to code that does not own it.
// It cannot define actions or add filters.
type Handle interface {
	Name() string
	CurrentState() state.Object
	View(user authz.User) state.Object
	Invoke(ctx context.Context, action string, data state.Value, user authz.User) (state.Value, error)
	Subscribe(fn Listener) (unsubscribe func())
}

type handle struct {
	s *Service
}

func (h handle) Name() string { return h.s.Name() }
func (h handle) CurrentState() state.Object { return h.s.CurrentState() }
func (h handle) View(user authz.User) state.Object { return h.s.View(user) }
func (h handle) Subscribe(fn Listener) func() { return h.s.Subscribe(fn) }
func (h handle) Invoke(ctx context.Context, action string, data state.Value, user authz.User) (state.Value, error) {
	return h.s.Invoke(ctx, action, data, user)
}
