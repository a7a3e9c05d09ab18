package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Expired AfterFunc
// callbacks run synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	ch       chan time.Time
	stopped  bool
}

func (w *fakeWaiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	for i, other := range w.clock.waiters {
		if other == w {
			w.clock.waiters = append(w.clock.waiters[:i], w.clock.waiters[i+1:]...)
			w.stopped = true
			return true
		}
	}
	return false
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &fakeWaiter{clock: c, deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	w := &fakeWaiter{clock: c, deadline: c.now.Add(d), fn: f}
	if d <= 0 {
		c.mu.Unlock()
		f()
		return w
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

// Advance moves the clock forward and fires everything that expired.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due, keep []*fakeWaiter
	for _, w := range c.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
		} else {
			keep = append(keep, w)
		}
	}
	c.waiters = keep
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.fn != nil {
			w.fn()
		} else {
			w.ch <- now
		}
	}
}

// Pending reports how many timers have not fired yet.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
