package engine

import "sync/atomic"

// Clock is the monotonic logical clock of one engine.
//
// Every refetch cycle is stamped with a strictly increasing seq taken at
// cycle start. Seq orders cycles by when they began, never by when their
// responses arrived, so it is what token adoption compares against and what
// the cycle log is keyed by.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
