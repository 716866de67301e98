package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, without the clock's lock
// held.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	callback func()         // AfterFunc
	channel  chan time.Time // Ticker
	interval time.Duration
	done     bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc runs f immediately when d <= 0.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	w := &waiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.done {
			return false
		}
		w.done = true
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	w := &waiter{deadline: c.current.Add(d), channel: ch, interval: d}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.done = true
	}}
}

// Pending returns the number of live timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and fires everything that fell due. A
// ticker spanning several intervals fires once per interval; ticks that do
// not fit in its buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		w := c.nextDue(target)
		if w == nil {
			break
		}
		c.current = w.deadline
		if w.channel != nil {
			select {
			case w.channel <- w.deadline:
			default:
			}
			w.deadline = w.deadline.Add(w.interval)
			continue
		}
		w.done = true
		c.mu.Unlock()
		w.callback()
		c.mu.Lock()
	}
	c.current = target
	c.prune()
	c.mu.Unlock()
}

func (c *FakeClock) nextDue(target time.Time) *waiter {
	live := make([]*waiter, 0, len(c.waiters))
	for _, w := range c.waiters {
		if !w.done && !w.deadline.After(target) {
			live = append(live, w)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].deadline.Before(live[j].deadline) })
	return live[0]
}

func (c *FakeClock) prune() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

var _ Clock = (*FakeClock)(nil)
