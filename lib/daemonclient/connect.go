// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package daemonclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/sockdaemon/sockd/internal/pidfile"
	"github.com/sockdaemon/sockd/lib/frame"
	"github.com/sockdaemon/sockd/lib/pingproto"
)

// ErrEndpointMissing is the classification used internally when a
// dial attempt finds no socket (or a socket nothing is listening on)
// at the configured path. It is not returned to callers directly:
// Request returns it wrapped when the endpoint is missing and no
// SpawnCommand is configured to start a daemon.
var ErrEndpointMissing = errors.New("daemonclient: endpoint missing")

// ensureConnected connects if not already connected, coalescing
// concurrent callers onto a single connect attempt.
func (c *DaemonClient) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	c.connecting = true
	c.connectDone = make(chan struct{})
	c.mu.Unlock()

	err := c.runConnectLoop(ctx)

	c.mu.Lock()
	c.connecting = false
	c.connectErr = err
	close(c.connectDone)
	c.mu.Unlock()

	return err
}

// runConnectLoop implements the connect state machine: dial, and on
// finding the endpoint missing or its peer wedged, spawn a replacement
// and retry, until a live peer answers the handshake ping or ctx ends
// the attempt.
func (c *DaemonClient) runConnectLoop(ctx context.Context) error {
	if err := os.MkdirAll(c.layout.Dir, 0o755); err != nil {
		return fmt.Errorf("daemonclient: creating service directory: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.layout.DialTimeout(dialTimeout)
		if err != nil {
			if !isEndpointMissing(err) {
				lastErr = fmt.Errorf("daemonclient: dialing %s: %w", c.opts.ServiceName, err)
				c.clock.Sleep(connectRetryBackoff)
				continue
			}
			c.killStalePeer()
			if err := c.spawnAndAwaitReady(ctx); err != nil {
				return err
			}
			continue
		}

		alive, err := c.performHandshake(conn)
		if err != nil {
			conn.Close()
			return err
		}
		if !alive {
			conn.Close()
			c.killStalePeer()
			if err := c.spawnAndAwaitReady(ctx); err != nil {
				return err
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.readerGen++
		gen := c.readerGen
		c.mu.Unlock()

		go c.readLoop(conn, gen)
		c.replayOutstanding(conn)
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("daemonclient: exceeded connect attempts for %s: %w", c.opts.ServiceName, lastErr)
	}
	return fmt.Errorf("daemonclient: exceeded connect attempts for %s", c.opts.ServiceName)
}

// performHandshake sends a Ping over a freshly dialed conn and waits
// up to handshakePingTimeout for a matching Pong. alive is false (with
// a nil error) for a timeout or a malformed/non-matching reply — both
// are treated identically as "peer is wedged, usurp it" rather than
// distinguished the way the server's own election does, since a
// client has no parallel listener of its own to protect.
func (c *DaemonClient) performHandshake(conn net.Conn) (alive bool, err error) {
	id := c.nextRequestID()
	ping := pingproto.New(c.clock, id)
	if err := frame.WriteMessage(conn, ping.AsMap()); err != nil {
		return false, fmt.Errorf("daemonclient: sending handshake ping: %w", err)
	}

	conn.SetDeadline(time.Now().Add(handshakePingTimeout))
	raw, readErr := frame.NewReader(conn).ReadRaw()
	conn.SetDeadline(time.Time{})
	if readErr != nil {
		return false, nil
	}

	m, decErr := decodeIncoming(raw)
	if decErr != nil {
		return false, nil
	}
	if !pingproto.IsPong(m, &ping) {
		return false, nil
	}
	return true, nil
}

// killStalePeer best-effort signals whatever pid the pid file names.
// It is used both when the endpoint is missing outright (a prior
// daemon crashed without cleaning up, but something is still holding
// that pid) and when a live socket answered connections but not the
// handshake ping.
func (c *DaemonClient) killStalePeer() {
	pid, err := pidfile.ReadPID(c.layout.PIDFile)
	if err != nil {
		return
	}
	signalGraceful(pid, c.clock)
}

// spawnAndAwaitReady launches SpawnCommand detached and waits for its
// first stdout byte (the ready-marker protocol), or for ctx to end the
// wait. It does not wait for the process to exit.
func (c *DaemonClient) spawnAndAwaitReady(ctx context.Context) error {
	if len(c.opts.SpawnCommand) == 0 {
		return fmt.Errorf("daemonclient: %s: %w (no SpawnCommand configured to recover)", c.opts.ServiceName, ErrEndpointMissing)
	}

	cmd := exec.Command(c.opts.SpawnCommand[0], c.opts.SpawnCommand[1:]...)
	cmd.Dir = c.opts.WorkingDir

	env := os.Environ()
	if c.opts.ScriptPath != "" {
		env = append(env, fmt.Sprintf("%s=%s", scriptEnvVar(c.opts.ServiceName), c.opts.ScriptPath))
	}
	if c.opts.Debug {
		env = append(env, "SOCKD_DEBUG=1")
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("daemonclient: piping spawned daemon's stdout: %w", err)
	}
	logFile, err := os.OpenFile(c.layout.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("daemonclient: opening log file: %w", err)
	}
	cmd.Stderr = logFile
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("daemonclient: spawning daemon: %w", err)
	}
	logFile.Close()
	go cmd.Wait()

	readyCh := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		stdout.Read(buf)
		close(readyCh)
	}()

	select {
	case <-readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop decodes frames from conn until it errors, dispatching each
// to whichever outstanding request it answers. gen pins this goroutine
// to the connection generation it was started for, so a reader left
// running past a Disconnect/reconnect can't clobber newer state.
func (c *DaemonClient) readLoop(conn net.Conn, gen int64) {
	reader := frame.NewReader(conn)
	for {
		raw, err := reader.ReadRaw()
		if err != nil {
			c.handleDisconnect(conn, gen)
			return
		}
		m, err := decodeIncoming(raw)
		if err != nil {
			c.logger.Debug("daemonclient: discarding malformed frame", "error", err)
			continue
		}
		c.dispatchIncoming(m)
	}
}

func (c *DaemonClient) handleDisconnect(conn net.Conn, gen int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readerGen != gen {
		return
	}
	conn.Close()
	c.connected = false
	c.conn = nil
}

// dispatchIncoming resolves the outstanding request matching m's id,
// if any. A response with no matching id (already resolved by
// cancellation, or answering a request from a prior incarnation of
// this client) is dropped silently.
func (c *DaemonClient) dispatchIncoming(m map[string]any) {
	id, ok := m["id"].(string)
	if !ok {
		return
	}

	c.mu.Lock()
	pr, exists := c.outstanding[id]
	if exists {
		delete(c.outstanding, id)
	}
	c.mu.Unlock()
	if !exists || pr.resolved {
		return
	}
	pr.resolved = true

	if pr.isPing {
		if pong, ok := pingproto.ParsePong(m); ok {
			m["duration"] = c.clock.Now().UnixMilli() - pong.Sent
		}
	}
	pr.resultCh <- requestResult{response: m}
}

// replayOutstanding re-sends every request still awaiting a response
// after a reconnect — the peer that originally received it may have
// been the usurped one. Each replayed request is marked sent so
// doRequest, waiting on this same connect for the request it just
// registered, knows not to write it a second time.
func (c *DaemonClient) replayOutstanding(conn net.Conn) {
	c.mu.Lock()
	pending := make([]*pendingRequest, 0, len(c.outstanding))
	for _, pr := range c.outstanding {
		pending = append(pending, pr)
	}
	c.mu.Unlock()

	for _, pr := range pending {
		if err := c.writeMessage(conn, pr.payload); err != nil {
			c.logger.Debug("daemonclient: replaying request failed", "error", err)
			return
		}
		c.mu.Lock()
		pr.sent = true
		c.mu.Unlock()
	}
}

// checkScriptMTime compares the recorded daemon script mtime against
// the file on disk and kills the running daemon if they differ,
// forcing the next request to spawn a fresh one. It is memoized to a
// single in-flight check so repeated connects don't pile up stat
// calls.
func (c *DaemonClient) checkScriptMTime() {
	c.mu.Lock()
	if c.mtimeCheckInFlight {
		c.mu.Unlock()
		return
	}
	c.mtimeCheckInFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.mtimeCheckInFlight = false
		c.mu.Unlock()
	}()

	if c.opts.ScriptPath == "" {
		return
	}
	recorded, err := pidfile.ReadMTime(c.layout.MTimeFile)
	if err != nil {
		return
	}
	info, err := os.Stat(c.opts.ScriptPath)
	if err != nil {
		return
	}
	if info.ModTime().UnixMilli() == recorded {
		return
	}
	c.logger.Info("daemonclient: daemon script changed, restarting")
	os.Remove(c.layout.MTimeFile)
	c.Kill()
}
