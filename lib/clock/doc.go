// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock injects time so sockd's many timeouts — starting-lock
// staleness, handshake-ping deadlines, idle shutdown, the post-bind
// herd timer, connect-retry backoff — can be driven deterministically
// in tests instead of racing against a sleeping goroutine.
//
// Every struct that owns a timeout takes a Clock field instead of
// calling time.Now, time.AfterFunc, or time.Sleep directly:
//
//	type DaemonServer struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// Production wiring uses Real(); tests use Fake() and advance time
// explicitly, as TestIdleTimeoutClosesServer and
// TestAcquireRespectsFakeClockForStaleness do:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s := &DaemonServer{clock: c}
//	// ... the timer-arming call happens synchronously on this
//	// goroutine, so no WaitForTimers-style registration race exists ...
//	c.Advance(5 * time.Second) // fire it deterministically
package clock
