// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/models"
)

// SyncStats summarizes the audit log.
type SyncStats struct {
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// SyncLogFilter narrows GetRecentSyncLog. Zero values mean no filter.
type SyncLogFilter struct {
	Limit        int
	Offset       int
	SinceMinutes int
	SourceServer string
	TargetServer string
	EventType    string
	// ItemName is a case-insensitive substring match.
	ItemName string
}

// LogSync appends one entry to the audit log.
func (s *Store) LogSync(ctx context.Context, e *models.SyncLogEntry) error {
	ev := logging.Info()
	if !e.Success {
		ev = logging.Warn()
	}
	ev.Str("component", "synclog").
		Str("source", e.SourceServer).
		Str("target", e.TargetServer).
		Str("event_type", string(e.EventType)).
		Str("item", e.ItemName).
		Str("user", e.Username).
		Bool("success", e.Success).
		Str("message", e.Message).
		Msg("sync result")

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log
		(event_type, source_server, target_server, username, item_id, item_name, synced_value, success, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.EventType), e.SourceServer, e.TargetServer, e.Username,
		e.ItemID, e.ItemName, nullIfEmpty(e.SyncedValue), e.Success, e.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to write sync log: %w", err)
	}
	return nil
}

// CountSyncLog returns the number of audit entries.
func (s *Store) CountSyncLog(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync log: %w", err)
	}
	return n, nil
}

// GetSyncStats aggregates outcome counts and the latest sync time.
func (s *Store) GetSyncStats(ctx context.Context) (SyncStats, error) {
	var (
		stats      SyncStats
		successful sql.NullInt64
		failed     sql.NullInt64
		lastSyncAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
		       MAX(created_at)
		FROM sync_log`).Scan(&stats.Total, &successful, &failed, &lastSyncAt)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate sync stats: %w", err)
	}
	stats.Successful = int(successful.Int64)
	stats.Failed = int(failed.Int64)
	stats.LastSyncAt = nullableTime(lastSyncAt)
	return stats, nil
}

// GetRecentSyncLog returns matching entries newest-first plus the total
// count under the same filters, for pagination.
func (s *Store) GetRecentSyncLog(ctx context.Context, f SyncLogFilter) ([]models.SyncLogEntry, int, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	var (
		conditions []string
		params     []any
	)
	if f.SinceMinutes > 0 {
		since := formatTime(time.Now().Add(-time.Duration(f.SinceMinutes) * time.Minute))
		conditions = append(conditions, "created_at >= ?")
		params = append(params, since)
	}
	if f.SourceServer != "" {
		conditions = append(conditions, "source_server = ?")
		params = append(params, f.SourceServer)
	}
	if f.TargetServer != "" {
		conditions = append(conditions, "target_server = ?")
		params = append(params, f.TargetServer)
	}
	if f.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		params = append(params, f.EventType)
	}
	if f.ItemName != "" {
		conditions = append(conditions, "item_name LIKE ?")
		params = append(params, "%"+f.ItemName+"%")
	}

	where := "1=1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM sync_log WHERE " + where
	if err := s.db.QueryRowContext(ctx, countQuery, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sync log entries: %w", err)
	}

	query := `
		SELECT id, event_type, source_server, target_server,
		       username, item_id, item_name, synced_value, success, message, created_at
		FROM sync_log
		WHERE ` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(params, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncLogEntry
	for rows.Next() {
		var (
			e                                      models.SyncLogEntry
			eventType                              string
			itemID, itemName, syncedValue, message sql.NullString
			createdAt                              sql.NullString
		)
		if err := rows.Scan(&e.ID, &eventType, &e.SourceServer, &e.TargetServer,
			&e.Username, &itemID, &itemName, &syncedValue, &e.Success, &message, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan sync log entry: %w", err)
		}
		e.EventType = models.EventType(eventType)
		e.ItemID = itemID.String
		e.ItemName = itemName.String
		e.SyncedValue = syncedValue.String
		e.Message = message.String
		if createdAt.Valid {
			e.CreatedAt = parseTime(createdAt.String)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
