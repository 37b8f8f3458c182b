// Package main implements the entry point for the Conveyor server,
// which accepts tasks over HTTP, dispatches them to the execution
// platform, and reconciles their outcomes through signed callbacks.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
)

// main initializes configuration, logging, the database connection, and
// the full dependency graph, then runs the HTTP server and background
// loops until a shutdown signal arrives.
func main() {
	cfg, err := initializeApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	db, err := setupDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to set up database: %v", err)
	}

	ctx := context.Background()
	app, err := newApplication(ctx, cfg, slog.Default(), db)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// initializeApp loads configuration and sets up application logging.
// Returns the loaded config and any initialization error.
func initializeApp() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if _, err := logger.Setup(cfg.Server.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	slog.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"dispatch_concurrency", cfg.Dispatch.Concurrency,
		"dispatch_max_attempts", cfg.Dispatch.MaxAttempts)

	return cfg, nil
}
