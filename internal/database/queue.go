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
	"time"

	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/models"
)

// maxBackoffSeconds caps the exponential retry backoff at five minutes.
const maxBackoffSeconds = 300

// QueueCounts is a snapshot of pending_events rows by status.
type QueueCounts struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	WaitingForItem int `json:"waiting_for_item"`
	Failed         int `json:"failed"`
}

// HasPendingEvent reports whether a row with the dedup key already sits in
// a non-terminal state.
func (s *Store) HasPendingEvent(ctx context.Context, eventType models.EventType, targetServer, username, itemID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM pending_events
		WHERE event_type = ?
		  AND target_server = ?
		  AND username = ?
		  AND item_id = ?
		  AND status IN ('pending', 'processing', 'waiting_for_item')
		LIMIT 1`,
		string(eventType), targetServer, username, itemID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate event: %w", err)
	}
	return true, nil
}

// EnqueueEvent inserts a new pending row and returns its id. Dedup is the
// caller's job via HasPendingEvent.
func (s *Store) EnqueueEvent(ctx context.Context, e *models.PendingEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_events
		(event_type, source_server, target_server, username, user_id,
		 item_id, item_name, item_path, provider_imdb, provider_tmdb, provider_tvdb,
		 event_data, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.EventType), e.SourceServer, e.TargetServer, e.Username, e.UserID,
		e.ItemID, e.ItemName, nullIfEmpty(e.ItemPath),
		nullIfEmpty(e.ProviderIMDB), nullIfEmpty(e.ProviderTMDB), nullIfEmpty(e.ProviderTVDB),
		e.EventData, e.MaxRetries,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}

	logging.Info().
		Str("component", "queue").
		Str("source", e.SourceServer).
		Str("target", e.TargetServer).
		Str("event_type", string(e.EventType)).
		Str("item", e.ItemName).
		Str("user", e.Username).
		Int64("event_id", id).
		Msg("event queued")

	return id, nil
}

// GetPendingEvents returns PENDING rows whose next_retry_at has passed,
// FIFO on created_at.
func (s *Store) GetPendingEvents(ctx context.Context, limit int) ([]models.PendingEvent, error) {
	return s.getEligibleEvents(ctx, models.StatusPending, limit)
}

// GetWaitingEvents returns WAITING_FOR_ITEM rows whose next_retry_at has
// passed.
func (s *Store) GetWaitingEvents(ctx context.Context, limit int) ([]models.PendingEvent, error) {
	return s.getEligibleEvents(ctx, models.StatusWaitingForItem, limit)
}

func (s *Store) getEligibleEvents(ctx context.Context, status models.EventStatus, limit int) ([]models.PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, source_server, target_server, username, user_id,
		       item_id, item_name, item_path, provider_imdb, provider_tmdb, provider_tvdb,
		       event_data, status, retry_count, max_retries, last_error,
		       item_not_found_count, item_not_found_max,
		       created_at, updated_at, next_retry_at
		FROM pending_events
		WHERE status = ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		string(status), formatTime(time.Now()), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s events: %w", status, err)
	}
	defer rows.Close()
	return scanPendingEvents(rows)
}

// MarkEventProcessing transitions a claimed row to PROCESSING.
func (s *Store) MarkEventProcessing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_events
		SET status = 'processing', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %d processing: %w", id, err)
	}
	return nil
}

// CompleteEvent deletes a successfully processed row and appends a success
// entry to the sync log.
func (s *Store) CompleteEvent(ctx context.Context, id int64, syncedValue string) error {
	e, err := s.getEventByID(ctx, id)
	if err != nil {
		return err
	}
	if e != nil {
		if err := s.LogSync(ctx, &models.SyncLogEntry{
			EventType:    e.EventType,
			SourceServer: e.SourceServer,
			TargetServer: e.TargetServer,
			Username:     e.Username,
			ItemID:       e.ItemID,
			ItemName:     e.ItemName,
			SyncedValue:  syncedValue,
			Success:      true,
			Message:      "Synced successfully",
		}); err != nil {
			return err
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete completed event %d: %w", id, err)
	}
	return nil
}

// FailEvent increments the retry counter. Rows that exhaust max_retries
// are deleted with a failure entry in the sync log; otherwise the row goes
// back to PENDING with exponential backoff capped at maxBackoffSeconds.
func (s *Store) FailEvent(ctx context.Context, id int64, errMsg string) error {
	e, err := s.getEventByID(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		logging.Warn().Str("component", "queue").Int64("event_id", id).Msg("event not found for failure")
		return nil
	}

	retryCount := e.RetryCount + 1
	if retryCount >= e.MaxRetries {
		logging.Error().
			Str("component", "queue").
			Int64("event_id", id).
			Int("retries", retryCount).
			Str("event_type", string(e.EventType)).
			Str("item", e.ItemName).
			Str("error", errMsg).
			Msg("event failed permanently")

		if err := s.LogSync(ctx, &models.SyncLogEntry{
			EventType:    e.EventType,
			SourceServer: e.SourceServer,
			TargetServer: e.TargetServer,
			Username:     e.Username,
			ItemID:       e.ItemID,
			ItemName:     e.ItemName,
			Success:      false,
			Message:      fmt.Sprintf("Failed after %d retries: %s", retryCount, errMsg),
		}); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete exhausted event %d: %w", id, err)
		}
		return nil
	}

	backoff := maxBackoffSeconds
	if retryCount < 5 {
		backoff = 10 * (1 << retryCount)
	}
	nextRetry := time.Now().Add(time.Duration(backoff) * time.Second)

	logging.Warn().
		Str("component", "queue").
		Int64("event_id", id).
		Int("retry", retryCount).
		Int("max_retries", e.MaxRetries).
		Int("backoff_seconds", backoff).
		Str("item", e.ItemName).
		Str("error", errMsg).
		Msg("event scheduled for retry")

	_, err = s.db.ExecContext(ctx, `
		UPDATE pending_events
		SET status = 'pending',
		    retry_count = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		retryCount, errMsg, formatTime(nextRetry), id,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for event %d: %w", id, err)
	}
	return nil
}

// MarkEventWaitingForItem parks a row until the target imports the item.
// The item_not_found counter is tracked separately from retry_count.
func (s *Store) MarkEventWaitingForItem(ctx context.Context, id int64, maxRetries int, retryDelay time.Duration, errMsg string) error {
	nextRetry := time.Now().Add(retryDelay)

	logging.Warn().
		Str("component", "queue").
		Int64("event_id", id).
		Dur("retry_in", retryDelay).
		Msg("waiting for item import")

	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_events
		SET status = 'waiting_for_item',
		    item_not_found_count = item_not_found_count + 1,
		    item_not_found_max = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		maxRetries, errMsg, formatTime(nextRetry), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event %d waiting: %w", id, err)
	}
	return nil
}

// ResetStaleProcessing demotes PROCESSING rows older than staleFor back to
// PENDING. Covers workers that died mid-flight.
func (s *Store) ResetStaleProcessing(ctx context.Context, staleFor time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-staleFor))
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_events
		SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info().Str("component", "queue").Int64("count", n).Msg("reset stale processing events")
	}
	return n, nil
}

// ResetAllProcessing demotes every PROCESSING row. Called once at startup
// for crash recovery.
func (s *Store) ResetAllProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_events
		SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info().Str("component", "queue").Int64("count", n).Msg("startup recovery reset events to pending")
	}
	return n, nil
}

// ResetEventForRetry re-queues a FAILED row with counters cleared. Returns
// false when the row does not exist or is not failed.
func (s *Store) ResetEventForRetry(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_events
		SET status = 'pending',
		    retry_count = 0,
		    next_retry_at = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset event %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetEventsByStatus lists rows in one status, most recently updated first.
func (s *Store) GetEventsByStatus(ctx context.Context, status models.EventStatus, limit int) ([]models.PendingEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, source_server, target_server, username, user_id,
		       item_id, item_name, item_path, provider_imdb, provider_tmdb, provider_tvdb,
		       event_data, status, retry_count, max_retries, last_error,
		       item_not_found_count, item_not_found_max,
		       created_at, updated_at, next_retry_at
		FROM pending_events
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s events: %w", status, err)
	}
	defer rows.Close()
	return scanPendingEvents(rows)
}

// CountQueue returns row counts per status.
func (s *Store) CountQueue(ctx context.Context) (QueueCounts, error) {
	var counts QueueCounts
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM pending_events GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count queue: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch models.EventStatus(status) {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusProcessing:
			counts.Processing = n
		case models.StatusWaitingForItem:
			counts.WaitingForItem = n
		case models.StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

func (s *Store) getEventByID(ctx context.Context, id int64) (*models.PendingEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, source_server, target_server, username, user_id,
		       item_id, item_name, item_path, provider_imdb, provider_tmdb, provider_tvdb,
		       event_data, status, retry_count, max_retries, last_error,
		       item_not_found_count, item_not_found_max,
		       created_at, updated_at, next_retry_at
		FROM pending_events WHERE id = ?`, id)

	e, err := scanPendingEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", id, err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingEvent(r rowScanner) (*models.PendingEvent, error) {
	var (
		e                                     models.PendingEvent
		eventType, status                     string
		itemPath, imdb, tmdb, tvdb, lastError sql.NullString
		createdAt, updatedAt, nextRetryAt     sql.NullString
	)
	err := r.Scan(
		&e.ID, &eventType, &e.SourceServer, &e.TargetServer, &e.Username, &e.UserID,
		&e.ItemID, &e.ItemName, &itemPath, &imdb, &tmdb, &tvdb,
		&e.EventData, &status, &e.RetryCount, &e.MaxRetries, &lastError,
		&e.ItemNotFoundCount, &e.ItemNotFoundMax,
		&createdAt, &updatedAt, &nextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = models.EventType(eventType)
	e.Status = models.EventStatus(status)
	e.ItemPath = itemPath.String
	e.ProviderIMDB = imdb.String
	e.ProviderTMDB = tmdb.String
	e.ProviderTVDB = tvdb.String
	e.LastError = lastError.String
	if createdAt.Valid {
		e.CreatedAt = parseTime(createdAt.String)
	}
	if updatedAt.Valid {
		e.UpdatedAt = parseTime(updatedAt.String)
	}
	e.NextRetryAt = nullableTime(nextRetryAt)
	return &e, nil
}

func scanPendingEvents(rows *sql.Rows) ([]models.PendingEvent, error) {
	var events []models.PendingEvent
	for rows.Next() {
		e, err := scanPendingEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
