package presence

import (
	"sort"
	"sync"
	"time"
)

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. RealClock is used in production; ManualClock in tests.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is backed by time.AfterFunc.
type RealClock struct{}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualClock only moves when Advance is called. Callbacks run synchronously on the
// goroutine calling Advance, in deadline order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock *ManualClock
	at    time.Duration
	seq   int
	f     func()
}

func NewManualClock() *ManualClock {
	return &ManualClock{}
}

func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, at: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.Slice(c.timers, func(i, j int) bool {
			if c.timers[i].at == c.timers[j].at {
				return c.timers[i].seq < c.timers[j].seq
			}
			return c.timers[i].at < c.timers[j].at
		})
		if len(c.timers) == 0 || c.timers[0].at > target {
			c.now = target
			c.mu.Unlock()
			return
		}
		t := c.timers[0]
		c.timers = c.timers[1:]
		c.now = t.at
		c.mu.Unlock()

		// Callbacks may schedule new timers, so the lock is released first.
		t.f()
	}
}

// Pending reports how many timers are scheduled and not yet fired or stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (t *manualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
