// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package pingproto

import (
	"testing"
	"time"

	"github.com/sockdaemon/sockd/lib/clock"
)

func TestNewPingHasExactlyThreeFields(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ping := New(clk, "x")

	if !IsPing(ping.AsMap()) {
		t.Fatalf("New(...).AsMap() is not a valid Ping: %+v", ping.AsMap())
	}
	if len(ping.AsMap()) != 3 {
		t.Fatalf("Ping map has %d fields, want 3", len(ping.AsMap()))
	}
}

func TestReplyProducesMatchingPong(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ping := New(clk, "x")

	pong := ping.Reply(4242)

	m := pong.AsMap()
	if len(m) != 4 {
		t.Fatalf("Pong map has %d fields, want 4", len(m))
	}
	if !IsPong(m, &ping) {
		t.Fatalf("Reply()'s Pong does not validate against its Ping: ping=%+v pong=%+v", ping, pong)
	}
	if pong.ID != ping.ID || pong.Sent != ping.Sent {
		t.Fatalf("Pong did not echo id/sent: ping=%+v pong=%+v", ping, pong)
	}
	if pong.PID != 4242 {
		t.Fatalf("Pong.PID = %d, want 4242", pong.PID)
	}
}

func TestIsPingRejectsWrongFieldCount(t *testing.T) {
	m := map[string]any{"id": "x", "PING": "PING", "sent": int64(1), "extra": true}
	if IsPing(m) {
		t.Fatal("IsPing accepted a message with an extra field")
	}
}

func TestIsPingRejectsMissingField(t *testing.T) {
	m := map[string]any{"id": "x", "PING": "PING"}
	if IsPing(m) {
		t.Fatal("IsPing accepted a message missing sent")
	}
}

func TestIsPongRejectsWrongSentinel(t *testing.T) {
	m := map[string]any{"id": "x", "PING": "PING", "sent": int64(1), "pid": int64(1)}
	if IsPong(m, nil) {
		t.Fatal("IsPong accepted a message whose sentinel says PING, not PONG")
	}
}

func TestIsPongWithWantRequiresByteExactMatch(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ping := New(clk, "x")
	pong := ping.Reply(1)

	if !IsPong(pong.AsMap(), &ping) {
		t.Fatal("matching pong rejected")
	}

	otherPing := New(clk, "y")
	if IsPong(pong.AsMap(), &otherPing) {
		t.Fatal("pong matched against an unrelated ping's id")
	}
}

func TestIsPongAcceptsUnsignedDecodedIntegers(t *testing.T) {
	// Simulates what arrives after a CBOR round trip: non-negative
	// integers decode to uint64 for any-typed map values.
	m := map[string]any{"id": "x", "PING": "PONG", "sent": uint64(9), "pid": uint64(123)}
	if !IsPong(m, nil) {
		t.Fatal("IsPong rejected uint64-typed numeric fields")
	}
}

func TestParsePong(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	ping := New(clk, "x")
	want := ping.Reply(99)

	got, ok := ParsePong(want.AsMap())
	if !ok {
		t.Fatal("ParsePong returned ok=false for a valid pong map")
	}
	if got != want {
		t.Fatalf("ParsePong = %+v, want %+v", got, want)
	}
}
