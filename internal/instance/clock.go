package instance

import "sync/atomic"

// Clock hands out connection ids. Ids start at 1 so that 0 can mean
// "local" in an operation's origin.
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next id. Each call returns a unique, increasing value.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the most recently issued id, or 0.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}
