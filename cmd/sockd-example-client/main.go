// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// sockd-example-client drives lib/daemonclient against the daemon
// started by sockd-example-daemon, spawning it on demand if the
// endpoint is missing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sockdaemon/sockd/internal/config"
	"github.com/sockdaemon/sockd/internal/version"
	"github.com/sockdaemon/sockd/lib/daemonclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		op          string
		payload     string
		timeout     time.Duration
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the YAML config file (or set SOCKD_CONFIG)")
	flag.StringVar(&op, "op", "echo", `request op: "echo", "uptime", or "ping"`)
	flag.StringVar(&payload, "payload", "hello", `payload for "echo"`)
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("sockd-example-client %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := daemonclient.New(daemonclient.Options{
		ServiceName:  cfg.ServiceName,
		WorkingDir:   cfg.WorkingDir,
		SpawnCommand: cfg.SpawnCommand,
		ScriptPath:   cfg.ScriptPath,
		Debug:        cfg.Debug,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("constructing client: %w", err)
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var resp map[string]any
	switch op {
	case "ping":
		resp, err = client.Ping(ctx)
	case "echo":
		resp, err = client.Request(ctx, map[string]any{"op": "echo", "payload": payload})
	case "uptime":
		resp, err = client.Request(ctx, map[string]any{"op": "uptime"})
	default:
		return fmt.Errorf("unknown --op %q", op)
	}
	if err != nil {
		if errors.Is(err, daemonclient.ErrCancelled) {
			return fmt.Errorf("request did not complete within %s: %w", timeout, err)
		}
		return fmt.Errorf("request failed: %w", err)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
