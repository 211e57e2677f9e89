// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR wire encoding shared by
// lib/frame's message transport. It exists so every package that
// talks to a daemon or client imports lib/codec rather than
// fxamacker/cbor directly.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same logical message
// always produces identical bytes, which matters for the handshake
// ping's byte-for-byte id/sent comparison.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored so an older client can still
// talk to a newer daemon that added fields to an opaque request type.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// sockd messages are always string-keyed maps (the "id" field
		// is mandatory). The CBOR default decode target for any-typed
		// fields is map[interface{}]interface{}, which nothing in
		// this codebase or its callers can range over as map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers depend
// only on lib/codec, not fxamacker/cbor.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder. Type alias so consumers depend
// only on lib/codec, not fxamacker/cbor.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used by lib/frame to defer
// decoding a message body until its shape (Ping, Pong, request,
// response) has been classified.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder that writes to w using sockd's
// deterministic encoding configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder that reads from r using sockd's
// decoding configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
