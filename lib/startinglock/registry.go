// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package startinglock

import (
	"sync"
)

// registryMu guards heldLocks. This is legitimately process-wide
// state (see the process-global-state notes): the exit hook must be
// able to enumerate every held lock synchronously from a signal
// handler, which rules out anything scoped to a single Lock or
// DaemonServer instance.
var (
	registryMu sync.Mutex
	heldLocks  = make(map[*Lock]struct{})
	hookOnce   sync.Once
)

// register adds lk to the process-wide set of held locks and lazily
// installs the exit hook on first use.
func register(lk *Lock) {
	installExitHookOnce()

	registryMu.Lock()
	defer registryMu.Unlock()
	heldLocks[lk] = struct{}{}
}

// unregister removes lk from the process-wide set, e.g. after Release
// or Commit.
func unregister(lk *Lock) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(heldLocks, lk)
}

// releaseAllHeld synchronously unlinks every currently held lock
// file. Called from the exit hook; also exposed for tests.
func releaseAllHeld() {
	registryMu.Lock()
	locks := make([]*Lock, 0, len(heldLocks))
	for lk := range heldLocks {
		locks = append(locks, lk)
	}
	registryMu.Unlock()

	for _, lk := range locks {
		lk.unlinkPath()
	}
}
