// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package startinglock

import (
	"os"
	"os/signal"
)

// terminate forcibly kills pid. Windows has no SIGTERM-equivalent
// graceful signal reaching arbitrary processes, so this is a hard
// kill rather than a polite request to shut down.
func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

// installExitHookOnce registers an interrupt handler that unlinks
// every held starting.lock before the process exits.
func installExitHookOnce() {
	hookOnce.Do(func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt)

		go func() {
			<-signals
			releaseAllHeld()
			signal.Stop(signals)
			os.Exit(1)
		}()
	})
}
