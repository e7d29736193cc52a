package clock

import (
	"sync"
	"time"
)

// TestClock is a manually-advanced Clock used by component tests that need
// deterministic backoff/timeout/hysteresis behavior (spec scenarios S2/S3
// in particular depend on tick-for-tick reproducibility).
type TestClock struct {
	mtx     sync.Mutex
	now     time.Time
	waiters []*testWaiter
}

type testWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewTestClock creates a TestClock pinned at the given time.
func NewTestClock(now time.Time) *TestClock {
	return &TestClock{now: now}
}

// Now returns the clock's current simulated time.
func (c *TestClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

// TickAfter registers a one-shot timer relative to the simulated clock.
func (c *TestClock) TickAfter(duration time.Duration) <-chan time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.now.Add(duration)
	if !deadline.After(c.now) {
		ch <- c.now
		return ch
	}

	c.waiters = append(c.waiters, &testWaiter{deadline: deadline, ch: ch})
	return ch
}

// SetTime jumps the simulated clock forward (or backward) to an absolute
// instant and fires any waiter whose deadline has now passed.
func (c *TestClock) SetTime(now time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = now
	c.fireLocked()
}

// Advance moves the simulated clock forward by duration.
func (c *TestClock) Advance(duration time.Duration) {
	c.SetTime(c.Now().Add(duration))
}

func (c *TestClock) fireLocked() {
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}
