package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// lease is one writer lock held by one invocation.
type lease struct {
	service string
}

// callChain is the ordered list of leases held by the invocations
// enclosing a nested call, outermost first. It travels in the context
// handed to nested invocations and is never modified after it is stored;
// push returns a new one.
type callChain struct {
	leases []*lease
	tree   *callTree
}

type callChainKey struct{}

func chainFrom(ctx context.Context) *callChain {
	if c, ok := ctx.Value(callChainKey{}).(*callChain); ok {
		return c
	}
	return &callChain{}
}

func withChain(ctx context.Context, c *callChain) context.Context {
	return context.WithValue(ctx, callChainKey{}, c)
}

// push returns the chain extended by l. The outermost push starts the
// call tree that collects nested notifications.
func (c *callChain) push(l *lease) *callChain {
	next := make([]*lease, len(c.leases), len(c.leases)+1)
	copy(next, c.leases)
	tree := c.tree
	if tree == nil {
		tree = &callTree{}
	}
	return &callChain{leases: append(next, l), tree: tree}
}

func (c *callChain) holds(service string) bool {
	return slices.ContainsFunc(c.leases, func(l *lease) bool { return l.service == service })
}

func (c *callChain) depth() int { return len(c.leases) }

func (c *callChain) services() []string {
	out := make([]string, len(c.leases))
	for i, l := range c.leases {
		out[i] = l.service
	}
	return out
}

// callTree collects the services committed by calls nested under a held
// writer lock. Their notifications are delivered once the outermost lock
// is released, so a listener may call back into any service of the chain.
type callTree struct {
	mu      sync.Mutex
	pending []*Service
	flushed bool
}

// hold queues s for delivery at flush. It returns false once the tree has
// been flushed; the caller then delivers on its own.
func (t *callTree) hold(s *Service) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flushed {
		return false
	}
	if !slices.Contains(t.pending, s) {
		t.pending = append(t.pending, s)
	}
	return true
}

func (t *callTree) flush() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.flushed = true
	t.mu.Unlock()

	for _, s := range pending {
		s.outbox.drain(s.deliver)
	}
}

// lockTable holds the writer locks of a registry's services and the calls
// waiting for them. Before a nested call waits, the table follows the
// wait-for edges from the lock's owner; if they lead back to a lease of
// the caller's chain, waiting would never return and the call fails with
// a CallCycleError instead.
//
// Chains sharing no lease are not ordered against each other, so two
// goroutines whose handlers call into each other's services are caught
// here as well as a handler calling back up its own chain.
type lockTable struct {
	mu      sync.Mutex
	owners  map[string]*lease
	waits   map[*lockWait]struct{}
	waiters map[string]*sync.Cond
}

// lockWait is a chain blocked on a service's lock.
type lockWait struct {
	leases  []*lease
	service string
}

func newLockTable() *lockTable {
	return &lockTable{
		owners:  make(map[string]*lease),
		waits:   make(map[*lockWait]struct{}),
		waiters: make(map[string]*sync.Cond),
	}
}

func (t *lockTable) cond(service string) *sync.Cond {
	c, ok := t.waiters[service]
	if !ok {
		c = sync.NewCond(&t.mu)
		t.waiters[service] = c
	}
	return c
}

// acquire takes service's writer lock on behalf of chain.
func (t *lockTable) acquire(service, action string, chain *callChain) (*lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &lockWait{leases: chain.leases, service: service}
	defer delete(t.waits, w)
	for {
		owner, held := t.owners[service]
		if !held {
			l := &lease{service: service}
			t.owners[service] = l
			return l, nil
		}
		if t.reaches(owner, chain.leases) {
			return nil, &CallCycleError{Chain: chain.services(), Target: service, Action: action}
		}
		t.waits[w] = struct{}{}
		t.cond(service).Wait()
	}
}

// reaches reports whether from, or any owner it is transitively waiting
// on, is one of leases.
func (t *lockTable) reaches(from *lease, leases []*lease) bool {
	seen := make(map[*lease]bool)
	queue := []*lease{from}
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		if slices.Contains(leases, l) {
			return true
		}
		if seen[l] {
			continue
		}
		seen[l] = true
		for w := range t.waits {
			if !slices.Contains(w.leases, l) {
				continue
			}
			if next, ok := t.owners[w.service]; ok {
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (t *lockTable) release(l *lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners[l.service] == l {
		delete(t.owners, l.service)
	}
	t.cond(l.service).Broadcast()
}

// CallCycleError is returned when an invocation would wait for a writer
// lock held by its own call chain, directly or through other chains
// waiting on it. Waiting for that lock would never return.
type CallCycleError struct {
	Chain  []string // services whose locks the caller holds, outermost first
	Target string
	Action string
}

func (e *CallCycleError) Error() string {
	if len(e.Chain) == 0 {
		return fmt.Sprintf("invoke %s.%s: call cycle", e.Target, e.Action)
	}
	return fmt.Sprintf("invoke %s.%s: call cycle %s -> %s",
		e.Target, e.Action, strings.Join(e.Chain, " -> "), e.Target)
}

// IsCallCycle reports whether err is or wraps a CallCycleError.
func IsCallCycle(err error) bool {
	var ce *CallCycleError
	return errors.As(err, &ce)
}
