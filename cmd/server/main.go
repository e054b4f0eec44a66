// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

// Package main is the entry point for the JellySync server.
//
// JellySync keeps per-user playback state (watched status, playback
// position, favorites, likes, ratings, play counts, selected audio and
// subtitle tracks) consistent across a fleet of Jellyfin servers that
// share the same media library on shared storage but keep separate
// per-user databases.
//
// # Application Architecture
//
// The server initializes in the following order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML file,
//     environment variables)
//  2. Logging: zerolog, JSON or console format
//  3. Database: SQLite store holding the durable event queue, user
//     mappings, item path cache, and sync audit log
//  4. Engine: one circuit-breaker-wrapped REST client per peer, the
//     webhook dispatcher, and the queue worker
//  5. Supervisor tree: suture v4 supervising the worker loop, the
//     periodic user sync, and the HTTP server
//
// # Data Flow
//
// Each Jellyfin server runs the webhook plugin pointed at
// POST /webhook/{server_name}. An inbound notification is parsed into
// typed sync events, filtered against the sync-loop cooldown, and fanned
// out as durable queue rows, one per other peer. The worker claims rows,
// resolves the user and item on the target peer, compares current state
// to skip no-op writes, and applies the change through the peer's REST
// API.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server stops
// accepting connections and drains in-flight requests, the worker
// finishes its current batch, and the database is closed. Queue rows in
// flight are reset to pending on the next startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/jellysync/internal/api"
	"github.com/tomtom215/jellysync/internal/config"
	"github.com/tomtom215/jellysync/internal/database"
	"github.com/tomtom215/jellysync/internal/engine"
	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/supervisor"
)

const userSyncInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("servers", len(cfg.Servers)).
		Str("db_path", cfg.Database.Path).
		Bool("dry_run", cfg.Sync.DryRun).
		Msg("Starting JellySync")

	store, err := database.New(context.Background(), database.Options{
		Path:        cfg.Database.Path,
		JournalMode: cfg.Database.JournalMode,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	eng := engine.New(cfg, store)
	defer eng.Close()

	// Startup reconciliation: probe every peer and refresh the user
	// mapping table. Unreachable peers are logged and retried by the
	// periodic user sync; they must not block startup.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	for name, up := range eng.HealthCheckAll(startupCtx) {
		if up {
			logging.Info().Str("server", name).Msg("Peer reachable")
		} else {
			logging.Warn().Str("server", name).Msg("Peer unreachable at startup")
		}
	}
	if err := eng.SyncAllUsers(startupCtx); err != nil {
		logging.Warn().Err(err).Msg("Initial user sync incomplete")
	}
	startupCancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewTree(logging.Slog(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddPipelineService(supervisor.NewWorkerService(eng))
	tree.AddPipelineService(supervisor.NewUserSyncService(eng, userSyncInterval))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(cfg, eng).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("JellySync stopped gracefully")
}
