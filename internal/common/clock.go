package common

import (
	"sync"
	"time"
)

// Clock supplies timestamps for time priority and trade stamping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock but never steps backwards: if the wall
// clock is adjusted into the past, the last handed out time is repeated.
type SystemClock struct {
	mu   sync.Mutex
	last time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

// DefaultClock is used by constructors that are not handed a clock.
var DefaultClock Clock = NewSystemClock()

// ManualClock only moves when told to. Useful for deterministic timestamps.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
