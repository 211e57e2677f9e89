// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package startinglock implements the advisory exclusive lock that
// serializes daemon startup for one service directory: only one
// racing launcher may proceed from LOCK_PENDING to LISTEN_PENDING at
// a time. A stale lock (older than StaleAge, meaning its owner almost
// certainly crashed mid-startup) is taken over rather than honored
// forever.
package startinglock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sockdaemon/sockd/internal/layout"
	"github.com/sockdaemon/sockd/lib/clock"
)

// StaleAge is how long a starting.lock may exist before it is
// considered abandoned by a crashed or wedged acquirer and forcibly
// taken over. A correctly behaving process never holds the lock this
// long — LISTEN_PENDING either binds or fails within milliseconds.
const StaleAge = 2000 * time.Millisecond

// ErrContended is returned by Acquire when another process holds a
// starting.lock that is not yet stale.
var ErrContended = errors.New("startinglock: held by another process and not yet stale")

// ErrLockLost is returned by Acquire when, after writing our own pid
// into the freshly created lock file, a re-read shows different
// contents. This means another process won a race we didn't expect to
// be possible and must be treated as fatal — the lock's exclusivity
// invariant cannot be trusted.
var ErrLockLost = errors.New("startinglock: lock content mismatch after acquire, lost the lock")

// ErrNotAcquired is returned by Commit when called on a Lock that was
// never successfully acquired.
var ErrNotAcquired = errors.New("startinglock: commit called without a held lock")

// Lock is a single-writer exclusive lock on one service's daemon
// directory. The zero value is not usable; construct with New.
type Lock struct {
	path     string
	pidFile  string
	clock    clock.Clock
	logger   *slog.Logger
	ownPID   int

	mu       sync.Mutex
	acquired bool
}

// New returns a Lock over the starting.lock/pid pair derived from l.
// clk and logger may be nil, defaulting to clock.Real() and
// slog.Default().
func New(l layout.Layout, clk clock.Clock, logger *slog.Logger) *Lock {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		path:    l.StartingLockFile,
		pidFile: l.PIDFile,
		clock:   clk,
		logger:  logger,
		ownPID:  os.Getpid(),
	}
}

// Acquired reports whether this Lock instance currently holds the
// lock.
func (lk *Lock) Acquired() bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return lk.acquired
}

// Acquire creates starting.lock exclusively and writes this process's
// pid into it. If the file already exists, Acquire stats it: a lock
// younger than StaleAge is contended (ErrContended); an older one is
// presumed abandoned, so Acquire reads its pid, best-effort signals
// that pid to terminate, unlinks the stale file, and retries once.
//
// Acquire is idempotent on a single Lock instance: calling it again
// after a successful Acquire is a no-op.
func (lk *Lock) Acquire() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.acquired {
		return nil
	}

	if err := lk.createExclusive(); err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("startinglock: creating %s: %w", lk.path, err)
		}

		stale, takeoverErr := lk.takeoverIfStale()
		if takeoverErr != nil {
			return takeoverErr
		}
		if !stale {
			return ErrContended
		}

		// Retry once after clearing the stale lock.
		if err := lk.createExclusive(); err != nil {
			return fmt.Errorf("startinglock: creating %s after stale takeover: %w", lk.path, err)
		}
	}

	if err := lk.verifyOwnership(); err != nil {
		return err
	}

	register(lk)
	lk.acquired = true
	return nil
}

// createExclusive attempts the exclusive-create + write-pid step of
// Acquire, without any stale-takeover logic.
func (lk *Lock) createExclusive() error {
	f, err := os.OpenFile(lk.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := fmt.Fprintf(f, "%d\n", lk.ownPID)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// takeoverIfStale stats the existing lock file. If it is older than
// StaleAge, it reads the owner pid, best-effort terminates it, removes
// the file, and returns stale=true so the caller retries the create.
// All sub-steps here are best-effort: a failed signal or unlink does
// not itself block takeover.
func (lk *Lock) takeoverIfStale() (stale bool, err error) {
	info, statErr := os.Stat(lk.path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			// Raced with the owner releasing it; caller should retry.
			return true, nil
		}
		return false, fmt.Errorf("startinglock: statting %s: %w", lk.path, statErr)
	}

	if lk.clock.Now().Sub(info.ModTime()) < StaleAge {
		return false, nil
	}

	if pid, readErr := readPID(lk.path); readErr == nil {
		if sigErr := terminate(pid); sigErr != nil {
			lk.logger.Debug("startinglock: best-effort signal to stale lock owner failed",
				"path", lk.path, "pid", pid, "error", sigErr)
		}
	} else {
		lk.logger.Debug("startinglock: could not read stale lock contents",
			"path", lk.path, "error", readErr)
	}

	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		lk.logger.Debug("startinglock: unlinking stale lock failed", "path", lk.path, "error", err)
	}

	return true, nil
}

// verifyOwnership re-reads the lock file after writing it and
// confirms the contents are exactly our own pid. A mismatch means we
// lost a race we believed we'd won.
func (lk *Lock) verifyOwnership() error {
	pid, err := readPID(lk.path)
	if err != nil {
		return fmt.Errorf("startinglock: re-reading %s after acquire: %w", lk.path, err)
	}
	if pid != lk.ownPID {
		return ErrLockLost
	}
	return nil
}

// Release removes the lock file and marks this Lock not-acquired. A
// failed unlink is absorbed — the file may have already been removed
// by Commit or by another cleanup path.
func (lk *Lock) Release() {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	lk.releaseLocked()
}

func (lk *Lock) releaseLocked() {
	if !lk.acquired {
		return
	}
	if err := os.Remove(lk.path); err != nil && !os.IsNotExist(err) {
		lk.logger.Debug("startinglock: release unlink failed", "path", lk.path, "error", err)
	}
	unregister(lk)
	lk.acquired = false
}

// Commit atomically renames starting.lock to pid, publishing this
// process's pid as the live daemon, and marks the Lock not-acquired.
// Commit must only be called after a successful Acquire.
func (lk *Lock) Commit() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if !lk.acquired {
		return ErrNotAcquired
	}

	if err := os.Rename(lk.path, lk.pidFile); err != nil {
		return fmt.Errorf("startinglock: committing %s -> %s: %w", lk.path, lk.pidFile, err)
	}

	unregister(lk)
	lk.acquired = false
	return nil
}

// unlinkPath removes the lock file synchronously, used by the
// process-exit hook. It never returns an error — cleanup on exit is
// always best-effort.
func (lk *Lock) unlinkPath() {
	os.Remove(lk.path)
}

// readPID reads a decimal pid (with optional trailing newline) from
// path.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("startinglock: %s does not contain a decimal pid: %w", path, err)
	}
	return pid, nil
}
