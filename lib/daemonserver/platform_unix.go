// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package daemonserver

import (
	"errors"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// terminatePID sends the default termination signal (SIGTERM),
// best-effort.
func terminatePID(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(unix.SIGTERM)
}

// isAddrInUseError reports whether err is the platform's
// address-in-use errno, seen when binding a unix socket whose path
// already exists and is actively listened on.
func isAddrInUseError(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// installExitHookOnce registers a signal handler that runs Close on
// every live DaemonServer (unlinking its pid file) before the process
// dies from SIGINT/SIGTERM/SIGHUP.
func installExitHookOnce() {
	hookOnce.Do(func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

		go func() {
			sig := <-signals
			closeAllLive()
			signal.Stop(signals)

			if unixSig, ok := sig.(unix.Signal); ok {
				signal.Reset(unixSig)
				_ = unix.Kill(os.Getpid(), unixSig)
				return
			}
			os.Exit(1)
		}()
	})
}
