package alert

import (
	"sync"
	"time"
)

type fakeWaiter struct {
	deadline time.Duration
	ch       chan time.Time
}

// fakeClock is a Clock whose wall and monotonic readings only move when
// told to.
type fakeClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	wall    time.Time
	mono    time.Duration
	waiters []fakeWaiter
}

func newFakeClock(wall time.Time) *fakeClock {
	c := &fakeClock{wall: wall}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *fakeClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.wall
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.mono + d, ch: ch})
	c.cond.Broadcast()
	return ch
}

// Advance moves both clocks forward and fires due waiters.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = c.wall.Add(d)
	c.mono += d

	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.deadline <= c.mono {
			w.ch <- c.wall
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}

// SetWall changes the wall clock only, like an administrator would.
func (c *fakeClock) SetWall(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wall = t
}

// BlockUntil waits until n goroutines are waiting on After.
func (c *fakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.cond.Wait()
	}
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
