// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package daemonserver

import "sync"

// registryMu guards liveServers. A process may run more than one
// DaemonServer (distinct service names sharing a binary), so the exit
// hook needs to close all of them, not just the most recent.
var registryMu sync.Mutex
var liveServers = make(map[*DaemonServer]struct{})
var hookOnce sync.Once

func registerServer(s *DaemonServer) {
	registryMu.Lock()
	liveServers[s] = struct{}{}
	registryMu.Unlock()
	installExitHookOnce()
}

func unregisterServer(s *DaemonServer) {
	registryMu.Lock()
	delete(liveServers, s)
	registryMu.Unlock()
}

func closeAllLive() {
	registryMu.Lock()
	servers := make([]*DaemonServer, 0, len(liveServers))
	for s := range liveServers {
		servers = append(servers, s)
	}
	registryMu.Unlock()

	for _, s := range servers {
		s.Close()
	}
}
