// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package daemonclient

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sockdaemon/sockd/lib/codec"
	"github.com/sockdaemon/sockd/lib/daemonserver"
	"github.com/sockdaemon/sockd/lib/frame"
)

// pipeReader decodes frames off a net.Pipe side for tests that drive
// DaemonClient's internals directly rather than through a real
// daemonserver.
type pipeReader struct{ r *frame.Reader }

func newPipeReader(conn net.Conn) *pipeReader { return &pipeReader{r: frame.NewReader(conn)} }

func (p *pipeReader) next() (map[string]any, error) {
	raw, err := p.r.ReadRaw()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := codec.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isPayload(m map[string]any) bool {
	_, ok := m["payload"]
	return ok
}

func echoHandler(_ context.Context, req map[string]any) (map[string]any, error) {
	return map[string]any{"echo": req["payload"]}, nil
}

func newRunningServer(t *testing.T, dir, service string, handler daemonserver.Handler) *daemonserver.DaemonServer {
	t.Helper()
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening devnull: %v", err)
	}
	t.Cleanup(func() { devnull.Close() })

	s, err := daemonserver.New(daemonserver.Options{
		ServiceName: service,
		WorkingDir:  dir,
		Handler:     handler,
		IsRequest:   isPayload,
		Stdout:      devnull,
	})
	if err != nil {
		t.Fatalf("daemonserver.New: %v", err)
	}
	if err := s.Listen(context.Background()); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestClient(t *testing.T, dir, service string) *DaemonClient {
	t.Helper()
	c, err := New(Options{ServiceName: service, WorkingDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestRequestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	newRunningServer(t, dir, "svc", echoHandler)
	c := newTestClient(t, dir, "svc")

	resp, err := c.Request(context.Background(), map[string]any{"payload": "hello"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp["echo"] != "hello" {
		t.Fatalf("echo = %v, want hello", resp["echo"])
	}
}

func TestRequestMultiplexesOverOneConnection(t *testing.T) {
	dir := t.TempDir()
	newRunningServer(t, dir, "svc", echoHandler)
	c := newTestClient(t, dir, "svc")

	type result struct {
		echo any
		err  error
	}
	results := make(chan result, 3)
	for i := 0; i < 3; i++ {
		payload := i
		go func() {
			resp, err := c.Request(context.Background(), map[string]any{"payload": payload})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{echo: resp["echo"]}
		}()
	}

	seen := map[int64]bool{}
	for i := 0; i < 3; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Request: %v", r.err)
		}
		n, ok := toInt64(r.echo)
		if !ok {
			t.Fatalf("echo = %v (%T), want an integer", r.echo, r.echo)
		}
		seen[n] = true
	}
	for i := int64(0); i < 3; i++ {
		if !seen[i] {
			t.Fatalf("never saw echo of payload %d", i)
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func TestPingIncludesDuration(t *testing.T) {
	dir := t.TempDir()
	newRunningServer(t, dir, "svc", echoHandler)
	c := newTestClient(t, dir, "svc")

	resp, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	dur, ok := resp["duration"].(int64)
	if !ok {
		t.Fatalf("duration = %v (%T), want int64", resp["duration"], resp["duration"])
	}
	if dur < 0 {
		t.Fatalf("duration = %d, want >= 0", dur)
	}
	if _, ok := resp["pid"]; !ok {
		t.Fatalf("response %+v missing pid", resp)
	}
}

func TestCancelViaContextReturnsErrCancelled(t *testing.T) {
	dir := t.TempDir()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	newRunningServer(t, dir, "svc", func(_ context.Context, req map[string]any) (map[string]any, error) {
		<-block
		return map[string]any{"echo": req["payload"]}, nil
	})
	c := newTestClient(t, dir, "svc")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, map[string]any{"payload": "stall"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestClearRejectsOutstandingRequests(t *testing.T) {
	dir := t.TempDir()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	newRunningServer(t, dir, "svc", func(_ context.Context, req map[string]any) (map[string]any, error) {
		<-block
		return map[string]any{"echo": req["payload"]}, nil
	})
	c := newTestClient(t, dir, "svc")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), map[string]any{"payload": "stall"})
		errCh <- err
	}()

	// Give the request time to register before clearing it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.outstanding)
		c.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	c.Clear()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Request never returned after Clear")
	}
}

func TestIsEndpointMissingForNonexistentSocket(t *testing.T) {
	dir := t.TempDir()
	_, err := net.DialTimeout("unix", dir+"/does-not-exist", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected dial to a nonexistent socket to fail")
	}
	if !isEndpointMissing(err) {
		t.Fatalf("isEndpointMissing(%v) = false, want true", err)
	}
}

func TestSpawnWithoutCommandFails(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir, "svc")

	err := c.spawnAndAwaitReady(context.Background())
	if !errors.Is(err, ErrEndpointMissing) {
		t.Fatalf("err = %v, want ErrEndpointMissing", err)
	}
}

func TestConnectFailsWhenSpawnCommandCannotStart(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Options{
		ServiceName:  "svc",
		WorkingDir:   dir,
		SpawnCommand: []string{"/nonexistent/sockd-test-binary-xyz"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Disconnect)

	_, err = c.Request(context.Background(), map[string]any{"payload": "x"})
	if err == nil {
		t.Fatal("expected an error when the daemon is missing and SpawnCommand cannot start")
	}
}

func TestReplayOutstandingSendsAllPendingPayloads(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir, "svc")

	c.mu.Lock()
	c.outstanding["a"] = &pendingRequest{payload: map[string]any{"id": "a", "payload": 1}, resultCh: make(chan requestResult, 1)}
	c.outstanding["b"] = &pendingRequest{payload: map[string]any{"id": "b", "payload": 2}, resultCh: make(chan requestResult, 1)}
	c.mu.Unlock()

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.replayOutstanding(clientSide)
	}()

	seen := map[string]bool{}
	reader := newPipeReader(serverSide)
	for i := 0; i < 2; i++ {
		m, err := reader.next()
		if err != nil {
			t.Fatalf("reading replayed frame: %v", err)
		}
		id, _ := m["id"].(string)
		seen[id] = true
	}
	<-done

	if !seen["a"] || !seen["b"] {
		t.Fatalf("seen = %+v, want both a and b", seen)
	}
}

func TestDispatchIncomingResolvesMatchingRequest(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir, "svc")

	pr := &pendingRequest{payload: map[string]any{"id": "x"}, resultCh: make(chan requestResult, 1)}
	c.mu.Lock()
	c.outstanding["x"] = pr
	c.mu.Unlock()

	c.dispatchIncoming(map[string]any{"id": "x", "echo": "ok"})

	select {
	case res := <-pr.resultCh:
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.response["echo"] != "ok" {
			t.Fatalf("echo = %v, want ok", res.response["echo"])
		}
	default:
		t.Fatal("dispatchIncoming did not resolve the pending request")
	}

	c.mu.Lock()
	_, stillPresent := c.outstanding["x"]
	c.mu.Unlock()
	if stillPresent {
		t.Fatal("resolved request was not removed from the outstanding map")
	}
}

func TestDispatchIncomingIgnoresUnknownID(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, dir, "svc")

	// Must not panic on an id with no outstanding entry.
	c.dispatchIncoming(map[string]any{"id": "nobody-is-waiting"})
}
