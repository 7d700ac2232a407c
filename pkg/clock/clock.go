// Package clock provides the kernel's logical clock. Every timestamp,
// deadline, slice and aging decision reads this clock, never the host's.
package clock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Source reads logical time.
type Source interface {
	Now() contracts.LogicalTime
}

// Logical is a monotonic logical clock. Only the control path advances it;
// reads are safe from any goroutine.
type Logical struct {
	now atomic.Int64
}

// New returns a clock starting at start.
func New(start contracts.LogicalTime) *Logical {
	c := &Logical{}
	c.now.Store(int64(start))
	return c
}

func (c *Logical) Now() contracts.LogicalTime {
	return contracts.LogicalTime(c.now.Load())
}

// Advance moves the clock forward by d and returns the new time.
func (c *Logical) Advance(d time.Duration) (contracts.LogicalTime, error) {
	if d < 0 {
		return c.Now(), fmt.Errorf("clock: negative advance %s", d)
	}
	return contracts.LogicalTime(c.now.Add(d.Milliseconds())), nil
}

// AdvanceTo moves the clock to t. Moving backwards is an error.
func (c *Logical) AdvanceTo(t contracts.LogicalTime) error {
	for {
		cur := c.now.Load()
		if int64(t) < cur {
			return fmt.Errorf("clock: cannot move from %d back to %d", cur, t)
		}
		if c.now.CompareAndSwap(cur, int64(t)) {
			return nil
		}
	}
}

// Driver converts elapsed host time into logical ticks. It is the host
// shell's half of the clock: the kernel never reads wall time itself.
type Driver struct {
	last time.Time
	rem  time.Duration
}

// NewDriver starts a driver at the given host instant.
func NewDriver(start time.Time) *Driver {
	return &Driver{last: start}
}

// Elapsed returns the whole milliseconds that passed since the previous call.
// Sub-millisecond remainders carry over.
func (d *Driver) Elapsed(now time.Time) time.Duration {
	delta := now.Sub(d.last) + d.rem
	d.last = now
	if delta < 0 {
		d.rem = 0
		return 0
	}
	whole := delta.Truncate(time.Millisecond)
	d.rem = delta - whole
	return whole
}
