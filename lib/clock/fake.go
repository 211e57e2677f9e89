// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; every Sleep and AfterFunc call
// registers a pending call that fires only once the clock has been
// advanced past its deadline.
//
// This is what sockd's own tests use to exercise election timeouts,
// the idle/herd timers, and starting-lock staleness without a real
// sleep: TestIdleTimeoutClosesServer and
// TestAcquireRespectsFakeClockForStaleness both construct one and
// drive it with Advance.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for testing. Time advances only
// when Advance is called; Sleep blocks and AfterFunc's callback
// withholds firing until the clock passes the scheduled deadline.
//
// AfterFunc callbacks run synchronously during Advance, in deadline
// order. Do not call Sleep or Advance from within an AfterFunc
// callback — that would deadlock.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*pendingCall
}

// pendingCall is a registered Sleep or AfterFunc waiting for the
// clock to reach its deadline.
type pendingCall struct {
	deadline time.Time

	// done is closed to unblock a Sleep waiter. Nil for AfterFunc
	// calls.
	done chan struct{}

	// callback runs synchronously during Advance for an AfterFunc
	// call. Nil for Sleep waiters.
	callback func()

	// stopped is set by Timer.Stop. Stopped calls are skipped by
	// Advance and dropped from the pending list.
	stopped bool

	// fired is set when Advance collects the call as due, so a later
	// Timer.Stop reports that it no longer prevented anything.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep blocks until the clock advances past current time + d. If
// d <= 0, it returns immediately without registering a pending call.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}

	c.mu.Lock()
	done := make(chan struct{})
	c.pending = append(c.pending, &pendingCall{
		deadline: c.current.Add(d),
		done:     done,
	})
	c.mu.Unlock()

	<-done
}

// AfterFunc schedules f to run once the clock advances past current
// time + d. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	call := &pendingCall{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.pending = append(c.pending, call)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if call.stopped || call.fired {
				return false
			}
			call.stopped = true
			return true
		},
	}
}

// Advance moves the clock forward by d and fires every pending Sleep
// or AfterFunc call whose deadline now falls at or before the new
// time. Calls fire in deadline order for determinism; AfterFunc
// callbacks run in the calling goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	due := c.collectDueLocked(target)
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, call := range due {
		if call.callback != nil {
			call.callback()
		} else {
			close(call.done)
		}
	}
}

// collectDueLocked removes expired, non-stopped calls from the
// pending list and returns them. Must be called with c.mu held.
func (c *FakeClock) collectDueLocked(target time.Time) []*pendingCall {
	var due, remaining []*pendingCall
	for _, call := range c.pending {
		if !call.stopped && !call.deadline.After(target) {
			call.fired = true
			due = append(due, call)
		} else if !call.stopped {
			remaining = append(remaining, call)
		}
	}
	c.pending = remaining
	return due
}
