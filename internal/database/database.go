// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

// Package database is the SQLite persistence layer: the durable event
// queue, user mappings, the item path cache, and the sync audit log.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"github.com/tomtom215/jellysync/internal/logging"
)

// timeLayout is the storage format for all timestamps, matching SQLite's
// CURRENT_TIMESTAMP so lexicographic comparison works in WHERE clauses.
const timeLayout = "2006-01-02 15:04:05"

// Store wraps the SQLite connection and exposes the typed operations the
// pipeline needs.
type Store struct {
	db   *sql.DB
	path string
}

// Options control how the store is opened.
type Options struct {
	Path        string
	JournalMode string
	BusyTimeout time.Duration
}

// New opens (creating if needed) the database at opts.Path and ensures the
// schema exists. The journal mode pragma is applied to every pooled
// connection via the DSN.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}

	if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		opts.Path, opts.JournalMode, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; WAL readers share the pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: opts.Path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().
		Str("component", "database").
		Str("path", opts.Path).
		Str("journal_mode", opts.JournalMode).
		Msg("database opened")

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			server_name TEXT NOT NULL,
			jellyfin_user_id TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(username, server_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_mappings_username
			ON user_mappings(username)`,
		`CREATE TABLE IF NOT EXISTS sync_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			source_server TEXT NOT NULL,
			target_server TEXT NOT NULL,
			username TEXT NOT NULL,
			item_id TEXT,
			item_name TEXT,
			synced_value TEXT,
			success BOOLEAN NOT NULL,
			message TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pending_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			source_server TEXT NOT NULL,
			target_server TEXT NOT NULL,
			username TEXT NOT NULL,
			user_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			item_path TEXT,
			provider_imdb TEXT,
			provider_tmdb TEXT,
			provider_tvdb TEXT,
			event_data TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			last_error TEXT,
			item_not_found_count INTEGER NOT NULL DEFAULT 0,
			item_not_found_max INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			next_retry_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_events_status
			ON pending_events(status, next_retry_at)`,
		`CREATE TABLE IF NOT EXISTS item_path_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_name TEXT NOT NULL,
			item_path TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_name TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(server_name, item_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_item_path_cache_path
			ON item_path_cache(server_name, item_path)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Size returns the on-disk footprint including WAL sidecar files.
func (s *Store) Size() int64 {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, "2006-01-02 15:04:05.999999999", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
