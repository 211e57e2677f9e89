// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package daemonclient

import (
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/sockdaemon/sockd/lib/clock"
)

// isEndpointMissing reports whether err from a dial attempt means
// "nothing is listening here" rather than some other transport
// failure: the socket file doesn't exist, or it exists but nothing
// accepted the connection (a prior daemon crashed without unlinking
// it).
func isEndpointMissing(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ECONNREFUSED)
}

// signalGraceful sends SIGHUP, waits briefly, then sends SIGTERM —
// giving a usurped peer a chance to unlink its own socket and pid file
// before the forceful signal lands. Both signals are best-effort: a
// pid that no longer exists is not an error worth reporting.
func signalGraceful(pid int, clk clock.Clock) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	proc.Signal(unix.SIGHUP)
	clk.Sleep(killSignalPause)
	proc.Signal(unix.SIGTERM)
}

// setDetached configures cmd to run in its own session, surviving
// this process's exit rather than being tied to its process group.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}
}
