// Copyright 2026 The sockd Authors
// SPDX-License-Identifier: Apache-2.0

// sockd-example-daemon is a minimal daemon built on lib/daemonserver:
// it answers "echo" requests and reports uptime, demonstrating the
// singleton-election and ping/pong protocol against a real client in
// sockd-example-client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sockdaemon/sockd/internal/config"
	"github.com/sockdaemon/sockd/internal/version"
	"github.com/sockdaemon/sockd/lib/daemonserver"
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
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the YAML config file (or set SOCKD_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("sockd-example-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug || os.Getenv("SOCKD_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	server, err := daemonserver.New(daemonserver.Options{
		ServiceName:       cfg.ServiceName,
		WorkingDir:        cfg.WorkingDir,
		IdleTimeout:       cfg.IdleTimeout,
		ConnectionTimeout: cfg.ConnectionTimeout,
		Handler:           handle(started),
		IsRequest:         isRequest,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("constructing daemon server: %w", err)
	}

	if err := server.Listen(ctx); err != nil {
		if errors.Is(err, daemonserver.ErrDeferredToPeer) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("daemon running", "service", cfg.ServiceName, "state", server.State())

	<-ctx.Done()
	logger.Info("shutting down", "reason", ctx.Err())
	return server.Close()
}

// isRequest classifies any decoded message carrying an "op" field as
// an application request; everything else (besides a Ping, which
// lib/daemonserver always recognizes first) is ignored.
func isRequest(m map[string]any) bool {
	_, ok := m["op"]
	return ok
}

func handle(started time.Time) daemonserver.Handler {
	return func(_ context.Context, req map[string]any) (map[string]any, error) {
		op, _ := req["op"].(string)
		switch op {
		case "echo":
			return map[string]any{"echo": req["payload"]}, nil
		case "uptime":
			return map[string]any{"uptimeSeconds": int64(time.Since(started).Seconds())}, nil
		default:
			return nil, fmt.Errorf("unknown op %q", op)
		}
	}
}
