// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tomtom215/jellysync/internal/logging"
)

// CachedItem is one (path, id, name) triple for batch cache population.
type CachedItem struct {
	Path string
	ID   string
	Name string
}

// GetCachedItemID looks up the cached item ID for a path on one server.
// Empty string means cache miss.
func (s *Store) GetCachedItemID(ctx context.Context, serverName, itemPath string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id FROM item_path_cache WHERE server_name = ? AND item_path = ?`,
		serverName, itemPath,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query path cache: %w", err)
	}
	return id, nil
}

// CacheItemPath upserts a single cache entry.
func (s *Store) CacheItemPath(ctx context.Context, serverName, itemPath, itemID, itemName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_path_cache (server_name, item_path, item_id, item_name, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(server_name, item_path)
		DO UPDATE SET item_id = excluded.item_id,
		              item_name = excluded.item_name,
		              updated_at = CURRENT_TIMESTAMP`,
		serverName, itemPath, itemID, nullIfEmpty(itemName),
	)
	if err != nil {
		return fmt.Errorf("failed to cache item path: %w", err)
	}
	return nil
}

// CacheItemsBatch upserts many entries in a single transaction. Used by
// the full-library refresh.
func (s *Store) CacheItemsBatch(ctx context.Context, serverName string, items []CachedItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO item_path_cache (server_name, item_path, item_id, item_name, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(server_name, item_path)
		DO UPDATE SET item_id = excluded.item_id,
		              item_name = excluded.item_name,
		              updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, serverName, it.Path, it.ID, nullIfEmpty(it.Name)); err != nil {
			return 0, fmt.Errorf("failed to cache item %s: %w", it.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cache batch: %w", err)
	}

	logging.Info().
		Str("component", "pathcache").
		Str("server", serverName).
		Int("count", len(items)).
		Msg("cached items")

	return len(items), nil
}

// InvalidateItemCache removes one entry, or every entry for the server
// when itemPath is empty.
func (s *Store) InvalidateItemCache(ctx context.Context, serverName, itemPath string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if itemPath != "" {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM item_path_cache WHERE server_name = ? AND item_path = ?`,
			serverName, itemPath)
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM item_path_cache WHERE server_name = ?`, serverName)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate path cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountItemCache returns cached entries per server.
func (s *Store) CountItemCache(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_name, COUNT(*)
		FROM item_path_cache
		GROUP BY server_name
		ORDER BY server_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to count path cache: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var (
			server string
			n      int
		)
		if err := rows.Scan(&server, &n); err != nil {
			return nil, fmt.Errorf("failed to scan cache count: %w", err)
		}
		stats[server] = n
	}
	return stats, rows.Err()
}
