// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the timing surface sockd's daemon and client code depend
// on. Production code injects Real(); tests inject Fake() to control
// time deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the calling goroutine for at least duration d.
	// Equivalent to time.Sleep. Used for the client's connect-retry
	// backoff and the graceful/forceful signal pause when usurping a
	// peer.
	Sleep(d time.Duration)

	// AfterFunc schedules f to run once, after duration d elapses,
	// and returns a Timer that can cancel the pending call with Stop.
	// If d <= 0, f runs immediately (in a new goroutine for Real, or
	// synchronously for Fake). Used for the idle timer and the herd
	// timer.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer represents a scheduled AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if it has already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
