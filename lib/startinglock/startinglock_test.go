// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package startinglock

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sockdaemon/sockd/internal/layout"
	"github.com/sockdaemon/sockd/lib/clock"
)

func newTestLayout(t *testing.T) layout.Layout {
	t.Helper()
	dir := t.TempDir()
	l := layout.New(dir, "svc")
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	return l
}

func TestAcquireCreatesLockWithOwnPID(t *testing.T) {
	l := newTestLayout(t)
	lk := New(l, clock.Real(), nil)

	if err := lk.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lk.Release()

	data, err := os.ReadFile(l.StartingLockFile)
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	want := strconv.Itoa(os.Getpid()) + "\n"
	if string(data) != want {
		t.Fatalf("lock contents = %q, want %q", data, want)
	}
}

func TestAcquireIsIdempotent(t *testing.T) {
	l := newTestLayout(t)
	lk := New(l, clock.Real(), nil)

	if err := lk.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer lk.Release()

	if err := lk.Acquire(); err != nil {
		t.Fatalf("second Acquire on same instance should be a no-op, got: %v", err)
	}
}

func TestAcquireFailsWhenFreshLockHeldByAnother(t *testing.T) {
	l := newTestLayout(t)
	if err := os.WriteFile(l.StartingLockFile, []byte("123456\n"), 0o644); err != nil {
		t.Fatalf("seeding lock file: %v", err)
	}

	lk := New(l, clock.Real(), nil)
	err := lk.Acquire()
	if err != ErrContended {
		t.Fatalf("Acquire error = %v, want ErrContended", err)
	}
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	l := newTestLayout(t)
	if err := os.WriteFile(l.StartingLockFile, []byte("99999\n"), 0o644); err != nil {
		t.Fatalf("seeding stale lock file: %v", err)
	}
	old := time.Date(1989, time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(l.StartingLockFile, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	lk := New(l, clock.Real(), nil)
	if err := lk.Acquire(); err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer lk.Release()

	data, err := os.ReadFile(l.StartingLockFile)
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock contents = %q, want own pid", data)
	}
}

func TestAcquireRespectsFakeClockForStaleness(t *testing.T) {
	l := newTestLayout(t)
	if err := os.WriteFile(l.StartingLockFile, []byte("99999\n"), 0o644); err != nil {
		t.Fatalf("seeding lock file: %v", err)
	}

	clk := clock.Fake(time.Now())
	lk := New(l, clk, nil)

	// Not stale yet under the fake clock's notion of "now" (file's
	// mtime is real wall-clock "now", fake clock is also at "now").
	if err := lk.Acquire(); err != ErrContended {
		t.Fatalf("Acquire error = %v, want ErrContended before advancing", err)
	}

	clk.Advance(StaleAge + time.Second)
	if err := lk.Acquire(); err != nil {
		t.Fatalf("Acquire after advancing past staleness: %v", err)
	}
	lk.Release()
}

func TestCommitRenamesLockToPIDFile(t *testing.T) {
	l := newTestLayout(t)
	lk := New(l, clock.Real(), nil)

	if err := lk.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lk.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := os.Stat(l.StartingLockFile); !os.IsNotExist(err) {
		t.Fatalf("starting.lock still exists after Commit, stat err = %v", err)
	}
	data, err := os.ReadFile(l.PIDFile)
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file contents = %q, want own pid", data)
	}
	if lk.Acquired() {
		t.Fatal("Lock still reports Acquired() after Commit")
	}
}

func TestCommitWithoutAcquireFails(t *testing.T) {
	l := newTestLayout(t)
	lk := New(l, clock.Real(), nil)

	if err := lk.Commit(); err != ErrNotAcquired {
		t.Fatalf("Commit without Acquire error = %v, want ErrNotAcquired", err)
	}
}

func TestReleaseRemovesLockFile(t *testing.T) {
	l := newTestLayout(t)
	lk := New(l, clock.Real(), nil)

	if err := lk.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lk.Release()

	if _, err := os.Stat(l.StartingLockFile); !os.IsNotExist(err) {
		t.Fatalf("lock file still exists after Release, stat err = %v", err)
	}
	if lk.Acquired() {
		t.Fatal("Lock still reports Acquired() after Release")
	}
}

func TestReleaseOnUnacquiredLockIsNoop(t *testing.T) {
	l := newTestLayout(t)
	lk := New(l, clock.Real(), nil)
	lk.Release() // must not panic or error
}
