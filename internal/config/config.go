// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration shared by the example
// daemon and client binaries.
//
// Configuration is loaded from a single file specified by:
//   - SOCKD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery: an unset path is an
// error, not an invitation to guess.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration shared by sockd-example-daemon and
// sockd-example-client for one service.
type Config struct {
	// ServiceName names the .{ServiceName}/daemon directory both
	// binaries agree on.
	ServiceName string `yaml:"serviceName"`

	// WorkingDir is the directory the service directory is created
	// under. Defaults to the current directory if empty.
	WorkingDir string `yaml:"workingDir"`

	// SpawnCommand is the argv the client uses to start the daemon
	// when it finds the endpoint missing.
	SpawnCommand []string `yaml:"spawnCommand"`

	// ScriptPath is the file whose mtime is watched for restart
	// detection.
	ScriptPath string `yaml:"scriptPath"`

	// IdleTimeout is the whole-daemon inactivity limit, as a Go
	// duration string (e.g. "1h", "90s").
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// ConnectionTimeout is the per-connection receive-idle limit.
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`

	// Debug requests verbose logging in both binaries and is passed
	// through to a spawned daemon's environment.
	Debug bool `yaml:"debug"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: no path given (set --config or SOCKD_CONFIG)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if c.ServiceName == "" {
		return nil, fmt.Errorf("config: %s: serviceName is required", path)
	}
	return &c, nil
}

// ResolvePath returns the --config flag value if set, else
// SOCKD_CONFIG, else "".
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("SOCKD_CONFIG")
}
