// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package daemonserver

import (
	"errors"
	"os"
	"os/signal"

	"golang.org/x/sys/windows"
)

// terminatePID hard-kills pid. Windows has no SIGTERM-equivalent
// signal deliverable to an arbitrary process.
func terminatePID(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

// isAddrInUseError reports whether err indicates the named pipe is
// already bound by a live listener. winio.ListenPipe creates the pipe
// as its first instance, which CreateNamedPipe refuses with
// ERROR_PIPE_BUSY or ERROR_ACCESS_DENIED when a first instance already
// exists.
func isAddrInUseError(err error) bool {
	return errors.Is(err, windows.ERROR_PIPE_BUSY) || errors.Is(err, windows.ERROR_ACCESS_DENIED)
}

// installExitHookOnce registers an interrupt handler that runs Close
// on every live DaemonServer before the process exits.
func installExitHookOnce() {
	hookOnce.Do(func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt)

		go func() {
			<-signals
			closeAllLive()
			signal.Stop(signals)
			os.Exit(1)
		}()
	})
}
