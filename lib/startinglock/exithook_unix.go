// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package startinglock

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// terminate sends the default termination signal (SIGTERM) to pid,
// best-effort. The caller absorbs any error — a process that has
// already exited or that we lack permission to signal is not
// treated specially.
func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(unix.SIGTERM)
}

// installExitHookOnce registers a signal handler that unlinks every
// held starting.lock before the process dies from SIGINT/SIGTERM/
// SIGHUP. This only covers signal-driven termination: unlike the
// JavaScript runtime this design was ported from, Go cannot intercept
// an arbitrary os.Exit call elsewhere in the program or a panic that
// unwinds past main, so callers that want the same guarantee under
// those exits must call Release (or rely on Commit having already
// renamed the lock away) before returning from main.
func installExitHookOnce() {
	hookOnce.Do(func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

		go func() {
			sig := <-signals
			releaseAllHeld()
			signal.Stop(signals)

			// Re-raise with the default disposition so the process
			// exits with the conventional 128+signal code instead of
			// silently surviving our handler.
			if unixSig, ok := sig.(unix.Signal); ok {
				signal.Reset(unixSig)
				_ = unix.Kill(os.Getpid(), unixSig)
				return
			}
			os.Exit(1)
		}()
	})
}
