// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame is sockd's default realization of the framed-message
// transport the design treats as an external collaborator: it turns a
// serializable value into a (header, body) byte pair, and parses a
// byte stream back into whole messages.
//
// The wire format is a 4-byte big-endian body length followed by a
// CBOR-encoded body (lib/codec's deterministic encoding). Framing is
// needed because CBOR values, while self-delimiting, do not by
// themselves let a reader distinguish "message not fully received
// yet" from "connection idle" without buffering ambiguity across
// TCP-like streams; a length prefix makes read-full loops trivial and
// bounds memory use up front.
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sockdaemon/sockd/lib/codec"
)

// headerSize is the width of the length prefix in bytes.
const headerSize = 4

// MaxBodySize bounds a single decoded frame body. Any daemon request
// or response larger than this is almost certainly a misbehaving peer,
// not a legitimate payload — sockd's messages are small control
// envelopes, not bulk data transfer.
const MaxBodySize = 4 << 20 // 4 MiB

// Encode marshals msg to CBOR and returns the full wire frame (header
// + body) as a single byte slice, ready for one Write call.
func Encode(msg any) ([]byte, error) {
	body, err := codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("frame: marshaling message: %w", err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("frame: encoded message is %d bytes, exceeds max %d", len(body), MaxBodySize)
	}

	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// WriteMessage encodes msg and writes the header and body to w as a
// single Write call. The pong handler in DaemonServer relies on this:
// a pong must reach the client as one contiguous write so a client
// mid-read never observes a header without its body.
func WriteMessage(w io.Writer, msg any) error {
	out, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("frame: writing message: %w", err)
	}
	return nil
}

// Reader decodes a stream of length-prefixed CBOR frames from an
// underlying io.Reader (typically a net.Conn). It is not safe for
// concurrent use — each connection owns exactly one Reader.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadRaw blocks until one full frame has arrived, then returns its
// undecoded CBOR body. Callers classify the body's shape (Ping, Pong,
// request, response) before fully decoding it into a concrete type.
//
// Returns io.EOF if the stream ended cleanly before any bytes of a new
// frame arrived. A partial frame followed by EOF is reported as
// io.ErrUnexpectedEOF.
func (dec *Reader) ReadRaw() (codec.RawMessage, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(dec.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, err
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxBodySize {
		return nil, fmt.Errorf("frame: incoming frame is %d bytes, exceeds max %d", size, MaxBodySize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(dec.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return codec.RawMessage(body), nil
}

// Decode reads the next frame and unmarshals its body into v.
func (dec *Reader) Decode(v any) error {
	raw, err := dec.ReadRaw()
	if err != nil {
		return err
	}
	return codec.Unmarshal(raw, v)
}
