// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package daemonclient

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/sockdaemon/sockd/lib/clock"
)

// isEndpointMissing reports whether err from a dial attempt means
// "nothing is listening here". Unlike a stale unix socket file, a
// named pipe simply stops existing once its last handle closes, so
// winio.DialPipeContext fails the underlying CreateFile call with
// ERROR_FILE_NOT_FOUND rather than anything connection-refused-like.
func isEndpointMissing(err error) bool {
	return errors.Is(err, windows.ERROR_FILE_NOT_FOUND) || errors.Is(err, os.ErrNotExist)
}

// signalGraceful has no SIGHUP-equivalent to send first on Windows, so
// it goes straight to a hard kill.
func signalGraceful(pid int, _ clock.Clock) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	proc.Kill()
}

// setDetached configures cmd to run without a console attached to
// this process's, so it survives our exit.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
