package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance or Set is called. Timers registered
// through After, AfterFunc and NewTicker fire in deadline order during
// Advance. AfterFunc callbacks run synchronously in the advancing goroutine.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	interval time.Duration
	ch       chan time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return &fakeTimer{clock: c, w: &waiter{fired: true}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	return &fakeTimer{clock: c, w: w}
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &waiter{deadline: c.now.Add(d), interval: d, ch: make(chan time.Time, 1)}
	c.addLocked(w)
	return &fakeTicker{clock: c, w: w}
}

// Set jumps to t without firing anything scheduled before it.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves time forward and fires every waiter whose deadline passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// Pending is the number of timers and tickers that have not fired or stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

// WaitForTimers blocks until at least n timers are pending. It closes the
// race between a goroutine arming a timer and the test advancing past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*waiter
	for _, w := range c.waiters {
		switch {
		case w.stopped || w.fired:
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			keep = append(keep, w)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = keep
	c.changed.Broadcast()
	return due
}

type fakeTimer struct {
	clock *FakeClock
	w     *waiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped || t.w.fired {
		return false
	}
	t.w.stopped = true
	return true
}

type fakeTicker struct {
	clock *FakeClock
	w     *waiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}
