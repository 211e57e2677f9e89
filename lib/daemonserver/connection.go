// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package daemonserver

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/sockdaemon/sockd/lib/codec"
	"github.com/sockdaemon/sockd/lib/frame"
	"github.com/sockdaemon/sockd/lib/pingproto"
)

// acceptLoop accepts connections until the listener is closed (either
// by idle timeout or process exit) or ctx is cancelled.
func (s *DaemonServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return
			}
			s.logger.Debug("daemonserver: accept failed", "error", err)
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *DaemonServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleConn services one connection until a read/write error, an
// invalid frame, or the connection's idle timeout ends it. Connection
// errors are absorbed — a misbehaving or departed peer never takes
// down the server.
func (s *DaemonServer) handleConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.openConns++
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.openConns--
		s.mu.Unlock()
	}()

	reader := frame.NewReader(conn)
	for {
		if s.opts.ConnectionTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.ConnectionTimeout))
		}

		raw, err := reader.ReadRaw()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("daemonserver: connection read failed", "error", err)
			}
			return
		}

		var m map[string]any
		if err := codec.Unmarshal(raw, &m); err != nil {
			s.logger.Debug("daemonserver: discarding malformed frame", "error", err)
			continue
		}

		switch {
		case pingproto.IsPing(m):
			s.replyPong(conn, m)
		case s.opts.IsRequest(m):
			s.dispatchRequest(ctx, conn, m)
		default:
			// Neither a ping nor a recognized request shape: ignore
			// silently, per the protocol's tolerance for unrelated
			// traffic on the same socket.
		}
	}
}

// replyPong answers a Ping without touching the server-wide idle
// timer — liveness checks must never themselves look like activity,
// or a client that only ever pings would keep a daemon alive forever.
func (s *DaemonServer) replyPong(conn net.Conn, m map[string]any) {
	ping, ok := pingproto.ParsePing(m)
	if !ok {
		return
	}
	pong := ping.Reply(s.ownPID)
	if err := frame.WriteMessage(conn, pong); err != nil {
		s.logger.Debug("daemonserver: writing pong failed", "error", err)
	}
}

// dispatchRequest resets the idle timer, runs the handler, and sends
// back exactly one response frame with "id" forced to the request's
// id.
func (s *DaemonServer) dispatchRequest(ctx context.Context, conn net.Conn, request map[string]any) {
	s.resetIdleTimer(s.opts.IdleTimeout)

	id := request["id"]
	resp, err := s.opts.Handler(ctx, request)
	if err != nil {
		resp = map[string]any{"error": err.Error()}
	}
	if resp == nil {
		resp = map[string]any{}
	}
	resp["id"] = id

	s.mu.Lock()
	s.requestsServed++
	s.mu.Unlock()

	if err := frame.WriteMessage(conn, resp); err != nil {
		s.logger.Debug("daemonserver: writing response failed", "error", err)
	}
}

// resetIdleTimer re-arms the server-wide idle timer to fire after n,
// replacing whatever budget (herd or previous request) was in effect.
func (s *DaemonServer) resetIdleTimer(n time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = s.clock.AfterFunc(n, s.onIdleTimeout)
}

func (s *DaemonServer) onIdleTimeout() {
	s.logger.Info("daemonserver: idle timeout elapsed, shutting down")
	s.Close()
}

// Close shuts the server down: stops accepting connections, unlinks
// the pid file, and marks the state TERMINAL. Close is idempotent and
// safe to call from the idle timer, from a signal handler, or
// explicitly by the embedding program.
func (s *DaemonServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ln := s.listener
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.mu.Unlock()

		if ln != nil {
			err = ln.Close()
		}
		os.Remove(s.layout.PIDFile)
		s.setState(StateTerminal)
		unregisterServer(s)
	})
	return err
}

