// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package pingproto defines the two reserved message shapes every
// sockd connection speaks regardless of the application protocol
// layered on top: Ping and Pong. A Ping is how a client (or a
// would-be daemon racing during election) checks that a peer on the
// other end of a socket is alive and answering, not just accepting
// connections. A Pong is the only valid reply.
//
// Both shapes are exact: a Ping has precisely three fields, a Pong
// precisely four. Anything with extra or missing fields is not a
// valid Ping/Pong and must be treated as an application message (or,
// during the handshake, as evidence the peer is wedged).
package pingproto

import (
	"github.com/sockdaemon/sockd/lib/clock"
)

// sentinelField is the reserved key both Ping and Pong carry to
// distinguish themselves from opaque application messages.
const sentinelField = "PING"

// sentinelPing and sentinelPong are the two values sentinelField can
// take.
const (
	sentinelPing = "PING"
	sentinelPong = "PONG"
)

// Ping is sent by a client establishing a connection, or by a
// would-be daemon during AWAIT_PEER, to confirm a live peer is
// answering. It carries exactly three fields.
type Ping struct {
	ID   string `cbor:"id"`
	Kind string `cbor:"PING"`
	Sent int64  `cbor:"sent"`
}

// Pong is the only valid reply to a Ping. It echoes the Ping's id and
// sent fields byte-for-byte and adds the responder's pid. It carries
// exactly four fields.
type Pong struct {
	ID   string `cbor:"id"`
	Kind string `cbor:"PING"`
	Sent int64  `cbor:"sent"`
	PID  int    `cbor:"pid"`
}

// New builds a Ping with the given id and a fresh timestamp taken
// from clk. If id is empty, the caller is expected to assign one
// before sending (e.g. once it knows which connection attempt it
// belongs to).
func New(clk clock.Clock, id string) Ping {
	if clk == nil {
		clk = clock.Real()
	}
	return Ping{
		ID:   id,
		Kind: sentinelPing,
		Sent: clk.Now().UnixMilli(),
	}
}

// Reply produces the Pong answering p, copying id and sent and
// stamping the responder's pid.
func (p Ping) Reply(pid int) Pong {
	return Pong{
		ID:   p.ID,
		Kind: sentinelPong,
		Sent: p.Sent,
		PID:  pid,
	}
}

// AsMap returns the wire representation of the Ping as a plain map,
// for callers that build messages generically before framing them.
func (p Ping) AsMap() map[string]any {
	return map[string]any{"id": p.ID, sentinelField: p.Kind, "sent": p.Sent}
}

// AsMap returns the wire representation of the Pong as a plain map.
func (p Pong) AsMap() map[string]any {
	return map[string]any{"id": p.ID, sentinelField: p.Kind, "sent": p.Sent, "pid": p.PID}
}

// IsPing reports whether the decoded message m has exactly the three
// fields of a valid Ping: id (string), PING:"PING", sent (integer).
func IsPing(m map[string]any) bool {
	if len(m) != 3 {
		return false
	}
	if _, ok := m["id"].(string); !ok {
		return false
	}
	kind, ok := m[sentinelField].(string)
	if !ok || kind != sentinelPing {
		return false
	}
	if _, ok := toInt64(m["sent"]); !ok {
		return false
	}
	return true
}

// IsPong reports whether the decoded message m has exactly the four
// fields of a valid Pong: id, PING:"PONG", sent, pid.
//
// If want is non-nil, IsPong additionally requires m's id and sent to
// match want's byte-for-byte (the handshake's defining check — a Pong
// that merely has the right shape but answers a different Ping is not
// a match).
func IsPong(m map[string]any, want *Ping) bool {
	if len(m) != 4 {
		return false
	}
	id, ok := m["id"].(string)
	if !ok {
		return false
	}
	kind, ok := m[sentinelField].(string)
	if !ok || kind != sentinelPong {
		return false
	}
	sent, ok := toInt64(m["sent"])
	if !ok {
		return false
	}
	if _, ok := toInt64(m["pid"]); !ok {
		return false
	}

	if want != nil && (id != want.ID || sent != want.Sent) {
		return false
	}
	return true
}

// ParsePing decodes m into a Ping. Callers should confirm IsPing(m)
// first; ParsePing does not itself validate field count.
func ParsePing(m map[string]any) (Ping, bool) {
	id, ok := m["id"].(string)
	if !ok {
		return Ping{}, false
	}
	sent, ok := toInt64(m["sent"])
	if !ok {
		return Ping{}, false
	}
	return Ping{ID: id, Kind: sentinelPing, Sent: sent}, true
}

// ParsePong decodes m into a Pong. Callers should confirm IsPong(m,
// ...) first; ParsePong does not itself validate field count.
func ParsePong(m map[string]any) (Pong, bool) {
	id, ok := m["id"].(string)
	if !ok {
		return Pong{}, false
	}
	kind, _ := m[sentinelField].(string)
	sent, ok := toInt64(m["sent"])
	if !ok {
		return Pong{}, false
	}
	pid, ok := toInt64(m["pid"])
	if !ok {
		return Pong{}, false
	}
	return Pong{ID: id, Kind: kind, Sent: sent, PID: int(pid)}, true
}

// toInt64 normalizes the numeric types the CBOR decoder produces for
// an any-typed field (uint64 for non-negative integers, int64 for
// negative ones, float64 if the peer encoded a float) into an int64.
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
