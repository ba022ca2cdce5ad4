package engine

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	fn     Listener
	active atomic.Bool
}

// subscribers is a copy-on-write listener list. Broadcasts iterate a
// snapshot of the slice; unsubscribe clears the active flag so a listener
// removed mid-broadcast is skipped for the rest of it.
type subscribers struct {
	mu   sync.Mutex
	list atomic.Pointer[[]*subscriber]
}

func (s *subscribers) add(fn Listener) func() {
	sub := &subscriber{fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	var next []*subscriber
	if cur := s.list.Load(); cur != nil {
		next = make([]*subscriber, 0, len(*cur)+1)
		next = append(next, *cur...)
	}
	next = append(next, sub)
	s.list.Store(&next)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(sub) })
	}
}

func (s *subscribers) remove(sub *subscriber) {
	sub.active.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.list.Load()
	if cur == nil {
		return
	}
	next := make([]*subscriber, 0, len(*cur))
	for _, other := range *cur {
		if other != sub {
			next = append(next, other)
		}
	}
	s.list.Store(&next)
}

// snapshot returns the current list. The slice must not be modified.
func (s *subscribers) snapshot() []*subscriber {
	if cur := s.list.Load(); cur != nil {
		return *cur
	}
	return nil
}

func (s *subscribers) count() int {
	return len(s.snapshot())
}
