// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeWriteMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, map[string]any{"id": "x", "sent": int64(7)}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	reader := NewReader(&buf)
	var out map[string]any
	if err := reader.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out["id"] != "x" {
		t.Fatalf("id = %v, want %q", out["id"], "x")
	}
}

func TestReaderReadsMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteMessage(&buf, map[string]any{"id": i}); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}

	reader := NewReader(&buf)
	for i := 0; i < 3; i++ {
		var out map[string]any
		if err := reader.Decode(&out); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		got, _ := out["id"].(int64)
		if got != int64(i) {
			t.Fatalf("frame %d: id = %v, want %d", i, out["id"], i)
		}
	}

	if _, err := reader.ReadRaw(); err != io.EOF {
		t.Fatalf("trailing ReadRaw error = %v, want io.EOF", err)
	}
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	// Craft a header claiming a body larger than MaxBodySize.
	var header [headerSize]byte
	for i := range header {
		header[i] = 0xFF
	}
	reader := NewReader(bytes.NewReader(header[:]))
	if _, err := reader.ReadRaw(); err == nil {
		t.Fatal("expected error for oversized frame header, got nil")
	}
}

func TestReaderReportsUnexpectedEOFOnTruncatedBody(t *testing.T) {
	full, err := Encode(map[string]any{"id": "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := full[:len(full)-1]

	reader := NewReader(bytes.NewReader(truncated))
	if _, err := reader.ReadRaw(); err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadRaw error = %v, want io.ErrUnexpectedEOF", err)
	}
}
