// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemonserver implements the daemon half of sockd: the
// singleton-election state machine, the per-connection
// dispatch loop, the handshake ping used while deciding
// whether to usurp a presumed-dead peer, and the idle
// timeout that lets an unused daemon self-terminate.
package daemonserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sockdaemon/sockd/internal/layout"
	"github.com/sockdaemon/sockd/lib/clock"
)

// Handler processes one decoded request and returns the value to send
// back as the response. The "id" field of the returned map is
// overwritten with the request's id before sending, regardless of
// what the handler set.
//
// A non-nil error is not caught or classified by the framework; it is
// surfaced verbatim to the requester as {"id": <request id>, "error":
// err.Error()}. Implementers that want a richer error envelope should
// return it themselves via the map and a nil error.
type Handler func(ctx context.Context, request map[string]any) (map[string]any, error)

// IsRequestFunc classifies a decoded, non-ping message as a request
// this server should dispatch to Handler. Messages that are neither a
// valid Ping nor classified as a request by this predicate are
// ignored silently.
type IsRequestFunc func(message map[string]any) bool

const (
	// DefaultIdleTimeout is how long the server waits without a
	// dispatched request before self-terminating.
	DefaultIdleTimeout = time.Hour

	// DefaultConnectionTimeout is the per-connection receive-idle
	// timeout.
	DefaultConnectionTimeout = time.Second

	// herdTimeout is the idle timeout value the server starts with
	// immediately after binding, before any real traffic arrives —
	// protection against winning an election nobody needed.
	herdTimeout = 10 * time.Second

	// contentionAwaitBudget is the AWAIT_PEER budget used when the
	// starting lock itself was contended.
	contentionAwaitBudget = 1000 * time.Millisecond

	// bindAwaitBudget is the AWAIT_PEER budget used when binding the
	// endpoint failed because it already exists / is in use.
	bindAwaitBudget = 500 * time.Millisecond

	// minHandshakeAttemptTimeout is the floor on a single handshake
	// ping attempt's timeout, even if the remaining AWAIT_PEER budget
	// is smaller.
	minHandshakeAttemptTimeout = 50 * time.Millisecond
)

// ErrDeferredToPeer is returned by Listen when this process found a
// live peer during election and deferred to it. The caller should
// treat this as a clean, successful exit (ALREADY RUNNING has already
// been written to Stdout).
var ErrDeferredToPeer = errors.New("daemonserver: deferred to an existing live peer")

// ScriptEnvVar returns the environment variable name a spawner sets
// to tell the daemon its own script path, e.g.
// SOCK_DAEMON_SCRIPT_mytool for service name "mytool".
func ScriptEnvVar(serviceName string) string {
	return "SOCK_DAEMON_SCRIPT_" + serviceName
}

// Options configures a DaemonServer.
type Options struct {
	// ServiceName is required; it names the .{ServiceName}/daemon
	// directory and the ScriptEnvVar this server reads.
	ServiceName string

	// WorkingDir is the directory the service directory is created
	// under. Defaults to the process's current working directory.
	WorkingDir string

	// IdleTimeout is the whole-server inactivity limit. Defaults to
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	// ConnectionTimeout is the per-connection receive-idle limit.
	// Zero selects DefaultConnectionTimeout; a negative value disables
	// per-connection timeouts.
	ConnectionTimeout time.Duration

	// Handler dispatches requests. Required.
	Handler Handler

	// IsRequest classifies opaque messages. Required.
	IsRequest IsRequestFunc

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives all internal timers. Defaults to clock.Real().
	Clock clock.Clock

	// Stdout is where the ready-marker protocol (READY / ALREADY
	// RUNNING) is written. Defaults to os.Stdout.
	Stdout *os.File
}

func (o *Options) setDefaults() error {
	if o.ServiceName == "" {
		return fmt.Errorf("daemonserver: ServiceName is required")
	}
	if o.Handler == nil {
		return fmt.Errorf("daemonserver: Handler is required")
	}
	if o.IsRequest == nil {
		return fmt.Errorf("daemonserver: IsRequest is required")
	}
	if o.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("daemonserver: determining working directory: %w", err)
		}
		o.WorkingDir = wd
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ConnectionTimeout == 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	return nil
}

// State is a singleton-election state.
type State int

const (
	StateInit State = iota
	StateLockPending
	StateListenPending
	StateAwaitPeer
	StateRunning
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLockPending:
		return "LOCK_PENDING"
	case StateListenPending:
		return "LISTEN_PENDING"
	case StateAwaitPeer:
		return "AWAIT_PEER"
	case StateRunning:
		return "RUNNING"
	case StateTerminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// Stats is a point-in-time snapshot of server activity, for operators
// to log at shutdown without pulling in a metrics exporter.
type Stats struct {
	State             State
	OpenConnections   int
	RequestsServed    uint64
	LastActivityReset time.Time
}

// DaemonServer runs the singleton-election protocol and serves
// connections for one service directory.
type DaemonServer struct {
	opts   Options
	layout layout.Layout
	logger *slog.Logger
	clock  clock.Clock
	ownPID int

	mu              sync.Mutex
	state           State
	listener        net.Listener
	idleTimer       *clock.Timer
	openConns       int
	requestsServed  uint64
	lastActivityAt  time.Time
	closeOnce       sync.Once
	closed          bool
}

// New constructs a DaemonServer. It does not touch the filesystem or
// network until Listen is called.
func New(opts Options) (*DaemonServer, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	s := &DaemonServer{
		opts:   opts,
		layout: layout.New(opts.WorkingDir, opts.ServiceName),
		logger: opts.Logger.With("service", opts.ServiceName),
		clock:  opts.Clock,
		ownPID: os.Getpid(),
		state:  StateInit,
	}
	registerServer(s)
	return s, nil
}

// State returns the server's current election state.
func (s *DaemonServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of server activity.
func (s *DaemonServer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:             s.state,
		OpenConnections:   s.openConns,
		RequestsServed:    s.requestsServed,
		LastActivityReset: s.lastActivityAt,
	}
}

func (s *DaemonServer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// scriptPath reads the environment variable a spawner uses to tell
// this daemon its own script path, so it can record the script's
// mtime and support client-initiated restart-on-change.
func (s *DaemonServer) scriptPath() string {
	return os.Getenv(ScriptEnvVar(s.opts.ServiceName))
}

func isEndpointContention(err error) bool {
	return errors.Is(err, os.ErrExist) || isAddrInUseError(err)
}

// writeScriptMTime stats scriptPath and writes its modification time
// (decimal milliseconds) to the mtime file.
func writeScriptMTime(mtimeFile, scriptPath string) error {
	info, err := os.Stat(scriptPath)
	if err != nil {
		return err
	}
	return os.WriteFile(mtimeFile, []byte(fmt.Sprintf("%d\n", info.ModTime().UnixMilli())), 0o644)
}

