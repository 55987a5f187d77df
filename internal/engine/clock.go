package engine

import "sync/atomic"

// Clock is the monotonic insertion sequence for queued operations.
//
// Every enqueued operation is stamped with Next(). Priority alone does not
// order equal-priority operations after a reload, so the sequence is stored
// in the snapshot and restored through NewClockAt.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start.
// Used when loading a snapshot to resume from the highest stored seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
