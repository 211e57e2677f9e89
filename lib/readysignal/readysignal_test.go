// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

package readysignal

import (
	"bytes"
	"testing"
)

func TestWriteReady(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReady(&buf); err != nil {
		t.Fatalf("WriteReady: %v", err)
	}
	if buf.String() != "READY\n" {
		t.Fatalf("wrote %q, want %q", buf.String(), "READY\n")
	}
}

func TestWriteAlreadyRunning(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteAlreadyRunning(&buf); err != nil {
		t.Fatalf("WriteAlreadyRunning: %v", err)
	}
	if buf.String() != "ALREADY RUNNING\n" {
		t.Fatalf("wrote %q, want %q", buf.String(), "ALREADY RUNNING\n")
	}
}

func TestIsReadyByte(t *testing.T) {
	if !IsReadyByte('R') {
		t.Error("'R' (start of READY) should be a ready byte")
	}
	if !IsReadyByte('A') {
		t.Error("'A' (start of ALREADY RUNNING) should be a ready byte")
	}
	if IsReadyByte('x') {
		t.Error("'x' should not be a ready byte")
	}
}
