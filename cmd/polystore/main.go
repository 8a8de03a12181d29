// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command polystore runs the persistence coordinator as a standalone
// process with its HTTP ops surface.
//
// The coordinator is primarily a library; this binary exists for
// deployments that want the recovery worker and the ops endpoints
// without embedding the coordinator in another service.
//
// # Flags
//
//   - -config: path to the YAML configuration file (optional; defaults
//     apply when omitted)
//
// # Environment Variables
//
//   - POLYSTORE_CONFIG: configuration file path, overridden by -config
//   - POLYSTORE_OPS_LISTEN: ops server listen address (default: :12250)
//
// # Usage
//
//	# Build
//	go build -o polystore ./cmd/polystore
//
//	# Run
//	./polystore -config /etc/polystore/config.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/polystore"
	"github.com/AleutianAI/polystore/config"
	"github.com/AleutianAI/polystore/opsserver"
	"github.com/AleutianAI/polystore/pkg/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv("POLYSTORE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Autostart = true

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Dir:     cfg.Logging.Dir,
		Service: "polystore",
		JSON:    true,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord, err := polystore.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	srv := opsserver.New(coord, logger.Slog())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(opsListen(cfg))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("ops server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown", "error", err)
	}
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("coordinator stop", "error", err)
	}
}

// loadConfig reads the file when given, falling back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// opsListen resolves the ops listen address from config and environment.
func opsListen(cfg *config.Config) string {
	if addr := os.Getenv("POLYSTORE_OPS_LISTEN"); addr != "" {
		return addr
	}
	if cfg.OpsServer.Listen != "" {
		return cfg.OpsServer.Listen
	}
	return ":12250"
}
