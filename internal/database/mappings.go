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
	"strings"

	"github.com/tomtom215/jellysync/internal/models"
)

// GetUserMapping returns the mapping for (username, server), or nil.
// Usernames are matched lowercased.
func (s *Store) GetUserMapping(ctx context.Context, username, serverName string) (*models.UserMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, server_name, jellyfin_user_id, created_at, updated_at
		FROM user_mappings
		WHERE username = ? AND server_name = ?`,
		strings.ToLower(username), serverName,
	)
	m, err := scanUserMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user mapping: %w", err)
	}
	return m, nil
}

// GetUserMappingsByUsername returns the mappings for one user on every
// server.
func (s *Store) GetUserMappingsByUsername(ctx context.Context, username string) ([]models.UserMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, server_name, jellyfin_user_id, created_at, updated_at
		FROM user_mappings
		WHERE username = ?
		ORDER BY server_name`,
		strings.ToLower(username),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list user mappings: %w", err)
	}
	defer rows.Close()
	return collectUserMappings(rows)
}

// UpsertUserMapping inserts or refreshes a (username, server) mapping.
func (s *Store) UpsertUserMapping(ctx context.Context, username, serverName, jellyfinUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_mappings (username, server_name, jellyfin_user_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(username, server_name)
		DO UPDATE SET jellyfin_user_id = excluded.jellyfin_user_id,
		              updated_at = CURRENT_TIMESTAMP`,
		strings.ToLower(username), serverName, jellyfinUserID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user mapping: %w", err)
	}
	return nil
}

// DeleteUserMapping removes a mapping, reporting whether one existed.
func (s *Store) DeleteUserMapping(ctx context.Context, username, serverName string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_mappings WHERE username = ? AND server_name = ?`,
		strings.ToLower(username), serverName,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete user mapping: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetAllUserMappings lists every mapping, ordered for display.
func (s *Store) GetAllUserMappings(ctx context.Context) ([]models.UserMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, server_name, jellyfin_user_id, created_at, updated_at
		FROM user_mappings
		ORDER BY username, server_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user mappings: %w", err)
	}
	defer rows.Close()
	return collectUserMappings(rows)
}

// CountUserMappings returns the number of mapping rows.
func (s *Store) CountUserMappings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_mappings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count user mappings: %w", err)
	}
	return n, nil
}

func scanUserMapping(r rowScanner) (*models.UserMapping, error) {
	var (
		m                    models.UserMapping
		createdAt, updatedAt sql.NullString
	)
	if err := r.Scan(&m.ID, &m.Username, &m.ServerName, &m.JellyfinUserID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		m.CreatedAt = parseTime(createdAt.String)
	}
	if updatedAt.Valid {
		m.UpdatedAt = parseTime(updatedAt.String)
	}
	return &m, nil
}

func collectUserMappings(rows *sql.Rows) ([]models.UserMapping, error) {
	var mappings []models.UserMapping
	for rows.Next() {
		m, err := scanUserMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user mapping: %w", err)
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}
