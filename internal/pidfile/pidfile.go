// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package pidfile reads the small decimal-integer files
// (lib/daemonserver's pid file, lib/daemonclient's mtime file) both
// sides of sockd agree to exchange through the filesystem rather than
// the wire protocol.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadPID reads a decimal pid (with optional surrounding whitespace)
// from path.
func ReadPID(path string) (int, error) {
	n, err := readDecimal(path)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ReadMTime reads a decimal milliseconds timestamp (with optional
// surrounding whitespace) from path.
func ReadMTime(path string) (int64, error) {
	return readDecimal(path)
}

func readDecimal(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s does not contain a decimal integer: %w", path, err)
	}
	return n, nil
}
