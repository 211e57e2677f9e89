// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package daemonserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sockdaemon/sockd/internal/pidfile"
	"github.com/sockdaemon/sockd/lib/codec"
	"github.com/sockdaemon/sockd/lib/frame"
	"github.com/sockdaemon/sockd/lib/pingproto"
	"github.com/sockdaemon/sockd/lib/readysignal"
	"github.com/sockdaemon/sockd/lib/startinglock"
)

// Listen runs the singleton-election state machine to completion. It
// either returns nil once the listener is bound and the accept loop is
// running, or ErrDeferredToPeer once it has determined a live peer
// already holds the service and written ALREADY RUNNING to Stdout, or
// a non-nil error for any other failure.
//
// Listen blocks until election settles. ctx is checked as each
// AWAIT_PEER wait begins; a wait already under way runs until a peer
// answers or its budget ends. Cancellation does not tear down an
// already-bound listener.
func (s *DaemonServer) Listen(ctx context.Context) error {
	s.setState(StateLockPending)
	if err := os.MkdirAll(s.layout.Dir, 0o755); err != nil {
		return fmt.Errorf("daemonserver: creating %s: %w", s.layout.Dir, err)
	}

	lk := startinglock.New(s.layout, s.clock, s.logger)
	haveLock := false

	for {
		if !haveLock {
			if err := lk.Acquire(); err != nil {
				if !errors.Is(err, startinglock.ErrContended) {
					return fmt.Errorf("daemonserver: acquiring starting lock: %w", err)
				}

				deferred, err := s.awaitPeer(ctx, contentionAwaitBudget)
				if err != nil {
					return err
				}
				if deferred {
					readysignal.WriteAlreadyRunning(s.opts.Stdout)
					return ErrDeferredToPeer
				}

				acquired, err := s.usurp(lk)
				if err != nil {
					return err
				}
				if !acquired {
					// Still held by whoever is mid-election; loop back
					// to LOCK_PENDING rather than unlinking artifacts
					// out from under them.
					continue
				}
			}
			haveLock = true
		}

		s.setState(StateListenPending)
		s.armHerdTimer()

		ln, err := s.layout.Listen()
		if err != nil {
			if !isEndpointContention(err) {
				lk.Release()
				return fmt.Errorf("daemonserver: binding %s: %w", s.layout.DialAddress(), err)
			}

			// Still holding the starting lock here (it serializes the
			// whole [bind + commit] critical section) while we decide
			// whether to defer or usurp.
			deferred, err := s.awaitPeer(ctx, bindAwaitBudget)
			if err != nil {
				return err
			}
			if deferred {
				lk.Release()
				readysignal.WriteAlreadyRunning(s.opts.Stdout)
				return ErrDeferredToPeer
			}

			acquired, err := s.usurp(lk)
			if err != nil {
				return err
			}
			haveLock = acquired
			continue
		}

		if script := s.scriptPath(); script != "" {
			if err := writeScriptMTime(s.layout.MTimeFile, script); err != nil {
				s.logger.Warn("daemonserver: recording script mtime failed", "script", script, "error", err)
			}
		}

		if err := lk.Commit(); err != nil {
			ln.Close()
			return fmt.Errorf("daemonserver: committing starting lock: %w", err)
		}

		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		s.setState(StateRunning)

		if err := readysignal.WriteReady(s.opts.Stdout); err != nil {
			s.logger.Warn("daemonserver: writing ready marker failed", "error", err)
		}
		go s.acceptLoop(ctx)
		return nil
	}
}

// awaitPeer repeatedly handshake-pings the endpoint for up to budget,
// deciding whether a live peer holds it. It returns deferred=true if a
// matching Pong was observed (this process must defer); deferred=false
// if the budget was exhausted or the peer answered with anything other
// than a matching Pong (this process should usurp).
func (s *DaemonServer) awaitPeer(ctx context.Context, budget time.Duration) (deferred bool, err error) {
	s.setState(StateAwaitPeer)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	return s.handshakePing(budget), nil
}

// handshakePing dials the endpoint, sends a Ping, and waits for a
// matching Pong, retrying dial/write/read failures until budget is
// exhausted. It returns true only on an exact Pong match; any other
// definitive answer (wrong shape, unrelated message) ends the loop
// immediately with false, since that means a process is listening but
// not answering the protocol — a peer worth usurping, not waiting out.
func (s *DaemonServer) handshakePing(budget time.Duration) bool {
	deadline := s.clock.Now().Add(budget)
	id := fmt.Sprintf("%s-daemon-%d", s.opts.ServiceName, s.ownPID)

	for {
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return false
		}
		attemptTimeout := remaining
		if attemptTimeout < minHandshakeAttemptTimeout {
			attemptTimeout = minHandshakeAttemptTimeout
		}

		alive, definitive := s.attemptHandshake(id, attemptTimeout)
		if definitive {
			return alive
		}
		// Connect/write/read failure: retry while budget remains.
	}
}

// attemptHandshake performs one dial-ping-read cycle. definitive is
// true when the outcome (alive or not) should end the AWAIT_PEER loop
// rather than retry.
func (s *DaemonServer) attemptHandshake(id string, timeout time.Duration) (alive, definitive bool) {
	conn, err := s.layout.DialTimeout(timeout)
	if err != nil {
		return false, false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	ping := pingproto.New(s.clock, id)
	if err := frame.WriteMessage(conn, ping); err != nil {
		return false, false
	}

	raw, err := frame.NewReader(conn).ReadRaw()
	if err != nil {
		return false, false
	}

	var m map[string]any
	if err := codec.Unmarshal(raw, &m); err != nil {
		return false, true // garbage on the wire: definitely not our protocol
	}
	if pingproto.IsPong(m, &ping) {
		return true, true
	}
	return false, true // answered, but not our ping: usurp
}

// usurp acquires lk before doing anything destructive — acquiring is a
// no-op if this process already holds it (the bind-contention call
// site never released it), and a fresh attempt otherwise (the
// lock-contention call site never held it in the first place). Only
// once the lock is actually held does usurp read the currently
// published pid, send it the platform's default termination signal,
// and unlink both the socket and pid files so the next bind attempt
// starts clean. If the lock is still held by another process, usurp
// does nothing destructive and reports acquired=false so the caller
// re-enters AWAIT_PEER instead of unlinking artifacts out from under
// whichever process currently owns LOCK_PENDING/LISTEN_PENDING.
func (s *DaemonServer) usurp(lk *startinglock.Lock) (acquired bool, err error) {
	if err := lk.Acquire(); err != nil {
		if errors.Is(err, startinglock.ErrContended) {
			return false, nil
		}
		return false, fmt.Errorf("daemonserver: acquiring starting lock during usurp: %w", err)
	}

	if pid, err := pidfile.ReadPID(s.layout.PIDFile); err == nil {
		if err := terminatePID(pid); err != nil {
			s.logger.Debug("daemonserver: best-effort usurp signal failed", "pid", pid, "error", err)
		}
	}
	os.Remove(s.layout.Socket)
	os.Remove(s.layout.PIDFile)
	return true, nil
}

func (s *DaemonServer) armHerdTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = s.clock.AfterFunc(herdTimeout, s.onIdleTimeout)
}
