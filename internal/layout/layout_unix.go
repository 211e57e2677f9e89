// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package layout

import (
	"net"
	"time"
)

// network is the net package's name for this platform's IPC transport.
const network = "unix"

// DialAddress returns the address passed to net.Listen/net.Dial for
// this Layout's socket. On POSIX this is just the filesystem path.
func (l Layout) DialAddress() string {
	return l.Socket
}

// Listen binds the unix domain socket at l.Socket.
func (l Layout) Listen() (net.Listener, error) {
	return net.Listen(network, l.Socket)
}

// DialTimeout connects to the unix domain socket at l.Socket, failing
// if it does not succeed within timeout.
func (l Layout) DialTimeout(timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, l.Socket, timeout)
}
