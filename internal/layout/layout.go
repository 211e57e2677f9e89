// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package layout derives the on-disk coordination paths
// (.{serviceName}/daemon/{socket,pid,mtime,starting.lock,log}) shared
// by DaemonServer and DaemonClient. Both sides import this one
// function so they can never disagree about where the artifacts for a
// given service and working directory live.
package layout

import "path/filepath"

// Layout is the set of paths a daemon and its clients agree on for one
// (workingDir, serviceName) pair.
type Layout struct {
	// Dir is .{serviceName}/daemon, relative to workingDir.
	Dir string

	// Socket is the raw filesystem path to the IPC endpoint. On POSIX
	// this is also the net.Listen/net.Dial address. On Windows, pass
	// it through DialAddress to get the named-pipe identifier.
	Socket string

	// PIDFile holds the decimal pid of the currently elected daemon.
	PIDFile string

	// MTimeFile holds the decimal milliseconds mtime of the daemon
	// script observed by the currently live daemon.
	MTimeFile string

	// StartingLockFile is the exclusive-create lock guarding startup.
	StartingLockFile string

	// LogFile is the append-only file a spawned daemon's stderr is
	// redirected into.
	LogFile string
}

// New derives the Layout for serviceName rooted at workingDir.
func New(workingDir, serviceName string) Layout {
	dir := filepath.Join(workingDir, "."+serviceName, "daemon")
	return Layout{
		Dir:              dir,
		Socket:           filepath.Join(dir, "socket"),
		PIDFile:          filepath.Join(dir, "pid"),
		MTimeFile:        filepath.Join(dir, "mtime"),
		StartingLockFile: filepath.Join(dir, "starting.lock"),
		LogFile:          filepath.Join(dir, "log"),
	}
}
