package whatsapp

import (
	"sync/atomic"
	"time"
)

// Clock hands out strictly increasing timestamps. A reading never repeats
// or goes backwards even when the wall clock does.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) Next() time.Time {
	for {
		prev := c.last.Load()
		n := c.now().UnixNano()
		if n <= prev {
			n = prev + 1
		}
		if c.last.CompareAndSwap(prev, n) {
			return time.Unix(0, n).UTC()
		}
	}
}

// Observe moves the clock past t, used when states are recovered from storage.
func (c *Clock) Observe(t time.Time) {
	n := t.UnixNano()
	for {
		prev := c.last.Load()
		if n <= prev || c.last.CompareAndSwap(prev, n) {
			return
		}
	}
}
