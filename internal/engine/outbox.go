package engine

import (
	"sync"
	"sync/atomic"
)

// notification is one committed snapshot waiting to be delivered.
type notification struct {
	snapshot Snapshot
	outcome  Outcome
}

// outbox is a per-service FIFO of committed snapshots.
//
// Commits enqueue while holding the service's writer lock, so queue order
// is commit order. Delivery happens outside the lock: whichever goroutine
// wins the dispatching flag drains the queue, and everyone else leaves
// their notification for it. A listener that invokes an action on the same
// service therefore enqueues and returns instead of recursing.
type outbox struct {
	mu          sync.Mutex
	pending     []notification
	dispatching atomic.Bool
}

func newOutbox() *outbox {
	return &outbox{pending: make([]notification, 0, 8)}
}

// enqueue appends n. Callers hold the service writer lock.
func (q *outbox) enqueue(n notification) {
	q.mu.Lock()
	q.pending = append(q.pending, n)
	q.mu.Unlock()
}

// tryDequeue removes and returns the oldest notification.
func (q *outbox) tryDequeue() (notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return notification{}, false
	}
	n := q.pending[0]
	// Clear the slot so the snapshot can be collected.
	q.pending[0] = notification{}
	if len(q.pending) == 1 {
		q.pending = q.pending[:0]
	} else {
		q.pending = q.pending[1:]
	}
	return n, true
}

func (q *outbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain delivers pending notifications in order until the queue is empty.
// If another goroutine is already draining, drain returns immediately and
// that goroutine delivers what was enqueued.
func (q *outbox) drain(deliver func(notification)) {
	for {
		if !q.dispatching.CompareAndSwap(false, true) {
			return
		}
		for {
			n, ok := q.tryDequeue()
			if !ok {
				break
			}
			deliver(n)
		}
		q.dispatching.Store(false)

		// A commit may have landed between the last tryDequeue and the
		// Store above; its goroutine saw dispatching=true and left.
		if q.len() == 0 {
			return
		}
	}
}
