// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemonclient implements the client half of sockd: locating a
// daemon, spawning one if absent, health-checking it via the handshake
// ping, tracking outstanding requests across reconnects, and detecting
// a script change that should trigger a restart.
package daemonclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sockdaemon/sockd/internal/layout"
	"github.com/sockdaemon/sockd/internal/pidfile"
	"github.com/sockdaemon/sockd/lib/clock"
	"github.com/sockdaemon/sockd/lib/codec"
	"github.com/sockdaemon/sockd/lib/daemonserver"
	"github.com/sockdaemon/sockd/lib/frame"
	"github.com/sockdaemon/sockd/lib/pingproto"
)

const (
	// handshakePingTimeout bounds the first ping sent after a fresh
	// connect. A peer that accepts connections but never answers is
	// treated as wedged.
	handshakePingTimeout = 100 * time.Millisecond

	// dialTimeout bounds each individual connect attempt.
	dialTimeout = 500 * time.Millisecond

	// connectRetryBackoff separates connect attempts that failed for a
	// reason other than "endpoint missing" (e.g. a transient refusal),
	// so the client does not spin a tight loop against a daemon that
	// is mid-startup.
	connectRetryBackoff = 20 * time.Millisecond

	// maxConnectAttempts bounds the connect loop so a permanently
	// broken environment (no SpawnCommand, endpoint that never comes
	// up) fails instead of looping forever.
	maxConnectAttempts = 50

	// killSignalPause separates the graceful and forceful signals sent
	// to a peer being usurped.
	killSignalPause = 100 * time.Millisecond
)

// ErrCancelled is returned when a request's context is cancelled
// before a response arrives. The request is removed from the
// outstanding map; a response that arrives afterward is dropped
// silently.
var ErrCancelled = errors.New("daemonclient: request cancelled")

// Options configures a DaemonClient.
type Options struct {
	// ServiceName is required.
	ServiceName string

	// WorkingDir is the directory the service directory is derived
	// from. Defaults to the process's current working directory.
	WorkingDir string

	// SpawnCommand is the argv used to start the daemon when the
	// endpoint is found missing. SpawnCommand[0] is the executable.
	// Leave nil if this client should only ever talk to an
	// externally-managed daemon.
	SpawnCommand []string

	// ScriptPath is the file whose modification time is watched for
	// restart detection and reported to a spawned daemon via
	// SOCK_DAEMON_SCRIPT_<name>. May be empty to disable mtime-based
	// restart.
	ScriptPath string

	// Debug sets an environment variable in the spawned daemon
	// requesting verbose logging.
	Debug bool

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives all internal timers. Defaults to clock.Real().
	Clock clock.Clock
}

func (o *Options) setDefaults() error {
	if o.ServiceName == "" {
		return fmt.Errorf("daemonclient: ServiceName is required")
	}
	if o.WorkingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("daemonclient: determining working directory: %w", err)
		}
		o.WorkingDir = wd
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return nil
}

// pendingRequest is one entry in the outstanding-request map.
type pendingRequest struct {
	payload  map[string]any
	resultCh chan requestResult
	isPing   bool
	resolved bool

	// sent records whether this request's payload has already gone out
	// over the wire, either by replayOutstanding (when this request
	// was folded into a fresh connect's replay) or by doRequest's own
	// explicit write. Guarded by DaemonClient.mu. The two are mutually
	// exclusive per request, matching the spec's connect/write if-else:
	// a request is written once per connect, never twice.
	sent bool
}

type requestResult struct {
	response map[string]any
	err      error
}

var clientSeq int64

// DaemonClient locates, spawns, health-checks, and speaks to one
// service's daemon.
type DaemonClient struct {
	opts   Options
	layout layout.Layout
	logger *slog.Logger
	clock  clock.Clock
	ownPID int
	seq    int64

	mu          sync.Mutex
	conn        net.Conn
	connected   bool
	connecting  bool
	connectDone chan struct{}
	connectErr  error
	readerGen   int64
	reqCounter  int64
	outstanding map[string]*pendingRequest

	mtimeCheckInFlight bool

	writeMu sync.Mutex
}

// New constructs a DaemonClient. It does not touch the filesystem or
// network until the first Request or Ping call.
func New(opts Options) (*DaemonClient, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	return &DaemonClient{
		opts:        opts,
		layout:      layout.New(opts.WorkingDir, opts.ServiceName),
		logger:      opts.Logger.With("service", opts.ServiceName),
		clock:       opts.Clock,
		ownPID:      os.Getpid(),
		seq:         atomic.AddInt64(&clientSeq, 1),
		outstanding: make(map[string]*pendingRequest),
	}, nil
}

// Request sends payload, connecting (and spawning the daemon if
// necessary) as needed, and returns the matching response. ctx
// cancellation aborts the wait: the request is removed from the
// outstanding map and Request returns ErrCancelled. It does not tear
// down the connection.
func (c *DaemonClient) Request(ctx context.Context, payload map[string]any) (map[string]any, error) {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	id := c.nextRequestID()
	msg["id"] = id
	return c.doRequest(ctx, id, msg, false)
}

// Ping sends a handshake-shaped Ping as a tracked request and returns
// the responder's Pong augmented with a "duration" field: the
// measured round-trip time in milliseconds.
func (c *DaemonClient) Ping(ctx context.Context) (map[string]any, error) {
	id := c.nextRequestID()
	msg := pingproto.New(c.clock, id).AsMap()
	return c.doRequest(ctx, id, msg, true)
}

func (c *DaemonClient) doRequest(ctx context.Context, id string, msg map[string]any, isPing bool) (map[string]any, error) {
	pr := &pendingRequest{payload: msg, resultCh: make(chan requestResult, 1), isPing: isPing}

	c.mu.Lock()
	c.outstanding[id] = pr
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		if cur, ok := c.outstanding[id]; ok && cur == pr {
			delete(c.outstanding, id)
		}
		c.mu.Unlock()
	}

	// The mtime check runs on every request, independent of whether a
	// connect is needed: it is memoized to a single in-flight check, not
	// gated on the connect path.
	go c.checkScriptMTime()

	if err := c.ensureConnected(ctx); err != nil {
		drop()
		return nil, err
	}

	c.mu.Lock()
	conn, connected, alreadySent := c.conn, c.connected, pr.sent
	c.mu.Unlock()
	if !connected {
		drop()
		return nil, fmt.Errorf("daemonclient: not connected after successful connect")
	}

	// If ensureConnected performed a fresh connect, replayOutstanding
	// already wrote this request's payload (it was registered in
	// c.outstanding before ensureConnected was called, so the snapshot
	// it replays includes it) and marked it sent. Writing again here
	// would invoke the server's Handler twice for one request. Only a
	// request that rode an already-established connection, or that
	// missed its connect's replay snapshot, needs the explicit write.
	if !alreadySent {
		if err := c.writeMessage(conn, msg); err != nil {
			drop()
			return nil, fmt.Errorf("daemonclient: sending request: %w", err)
		}
		c.mu.Lock()
		pr.sent = true
		c.mu.Unlock()
	}

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-ctx.Done():
		c.mu.Lock()
		pr.resolved = true
		if cur, ok := c.outstanding[id]; ok && cur == pr {
			delete(c.outstanding, id)
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// Clear rejects every currently outstanding request with ErrCancelled.
func (c *DaemonClient) Clear() {
	c.mu.Lock()
	pending := c.outstanding
	c.outstanding = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		if !pr.resolved {
			pr.resolved = true
			pr.resultCh <- requestResult{err: ErrCancelled}
		}
	}
}

// Disconnect drops the current connection, if any, without touching
// outstanding requests — they survive to be replayed on the next
// connect.
func (c *DaemonClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.readerGen++
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Kill reads the pid file (a no-op if absent), disconnects, and sends
// the platform's graceful-then-forceful termination sequence to that
// pid, best-effort.
func (c *DaemonClient) Kill() {
	pid, err := pidfile.ReadPID(c.layout.PIDFile)
	c.Disconnect()
	if err != nil {
		return
	}
	signalGraceful(pid, c.clock)
}

func (c *DaemonClient) nextRequestID() string {
	n := atomic.AddInt64(&c.reqCounter, 1)
	return fmt.Sprintf("%d-%d-%d", c.ownPID, c.seq, n)
}

func (c *DaemonClient) writeMessage(conn net.Conn, msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.WriteMessage(conn, msg)
}

func decodeIncoming(raw []byte) (map[string]any, error) {
	var m map[string]any
	err := codec.Unmarshal(raw, &m)
	return m, err
}

// scriptEnvVar is the environment variable name a spawned daemon reads
// for its own script path; it must agree with daemonserver.ScriptEnvVar.
var scriptEnvVar = daemonserver.ScriptEnvVar
