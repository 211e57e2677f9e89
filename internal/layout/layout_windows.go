// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package layout

import (
	"context"
	"net"
	"path/filepath"
	"time"

	"github.com/Microsoft/go-winio"
)

// DialAddress returns the Windows named-pipe identifier for this
// Layout's socket path: the absolute path, written with forward
// slashes, prefixed with \\?\pipe\. Clients and servers must derive
// this the same way, which is why it lives in the shared Layout rather
// than being recomputed ad hoc on either side.
func (l Layout) DialAddress() string {
	abs, err := filepath.Abs(l.Socket)
	if err != nil {
		abs = l.Socket
	}
	return `\\?\pipe\` + filepath.ToSlash(abs)
}

// Listen creates the first instance of the named pipe at
// l.DialAddress(). go-winio's listener accepts further instances
// itself as Accept is called, so one bound listener serves every
// client the way a unix socket's backlog does.
func (l Layout) Listen() (net.Listener, error) {
	return winio.ListenPipe(l.DialAddress(), nil)
}

// DialTimeout connects to the named pipe at l.DialAddress(), failing
// if it does not succeed within timeout.
func (l Layout) DialTimeout(timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return winio.DialPipeContext(ctx, l.DialAddress())
}
