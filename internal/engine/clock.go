package engine

import "sync/atomic"

// Clock is a monotonic logical clock shared by every service of a registry.
//
// Each commit is stamped with the next value, giving a total order over
// commits across services. Wall-clock time is recorded separately and is
// never used for ordering.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start, so a registry
// backed by an existing journal keeps its sequence increasing.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
