// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package readysignal defines the two stdout tokens a daemon ever
// writes: READY when it has bound the endpoint and committed the
// starting lock, or ALREADY RUNNING when it has deferred to an
// existing peer during election. A spawning client does not parse
// either string — it treats the first byte of stdout as "the daemon
// is reachable, stop waiting" — but giving the tokens a typed home
// keeps both sides of the contract from drifting apart.
package readysignal

import "io"

// Ready is written exactly once by a daemon that bound its endpoint
// and committed the starting lock.
const Ready = "READY"

// AlreadyRunning is written exactly once by a would-be daemon that
// found a live peer during AWAIT_PEER and deferred to it.
const AlreadyRunning = "ALREADY RUNNING"

// WriteReady writes the Ready token followed by a newline.
func WriteReady(w io.Writer) error {
	_, err := io.WriteString(w, Ready+"\n")
	return err
}

// WriteAlreadyRunning writes the AlreadyRunning token followed by a
// newline.
func WriteAlreadyRunning(w io.Writer) error {
	_, err := io.WriteString(w, AlreadyRunning+"\n")
	return err
}

// IsReadyByte reports whether b could begin either token. A spawning
// client does not need this to decide "stop waiting" — any stdout
// byte at all means that — but it lets a caller that wants to log
// which outcome occurred peek at the first byte before reading the
// rest of the line.
func IsReadyByte(b byte) bool {
	return b == Ready[0] || b == AlreadyRunning[0]
}
