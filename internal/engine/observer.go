package engine

import (
	"time"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/state"
)

// Snapshot is a committed state as delivered to listeners.
//
// State is shared by every listener of the commit and must not be
// modified; Clone it first.
type Snapshot struct {
	Service  string
	Revision int64
	State    state.Object
}

// Listener receives every committed snapshot of a service.
type Listener func(Snapshot)

// Outcome describes one finished invocation.
type Outcome struct {
	Service      string
	Action       string
	InvocationID string
	User         authz.User

	// Committed is true when the invocation changed state. Seq, Revision
	// and State are set only then.
	Committed bool
	Seq       int64
	Revision  int64
	State     state.Object

	// Err is the error returned to the caller, nil on success.
	Err error

	StartedAt time.Time
	Duration  time.Duration
}

// Observer is notified of every invocation outcome.
//
// Committed outcomes are reported per service in commit order, after the
// service's listeners. Other outcomes are reported from the invoking
// goroutine. Implementations must be safe for concurrent use.
type Observer interface {
	Observe(Outcome)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Outcome)

// Observe calls f.
func (f ObserverFunc) Observe(o Outcome) { f(o) }
