// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/jellysync/internal/jellyfin"
	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/metrics"
	"github.com/tomtom215/jellysync/internal/models"
)

const (
	msgSyncedSuccessfully = "Synced successfully"
	msgSyncReturnedFalse  = "Sync operation returned false"
	msgWaitingForItem     = "Waiting for item import"
)

// syncEvent applies one queue row to its target server: resolve the
// user, resolve the item, then execute the state change.
func (e *Engine) syncEvent(ctx context.Context, event *models.PendingEvent) models.SyncResult {
	result := models.SyncResult{
		TargetServer: event.TargetServer,
		EventType:    event.EventType,
	}

	target, ok := e.cfg.GetServer(event.TargetServer)
	if !ok {
		result.Message = fmt.Sprintf("Target server '%s' not found in config", event.TargetServer)
		return result
	}
	client, ok := e.clients[target.Name]
	if !ok {
		result.Message = fmt.Sprintf("Target server '%s' not found in config", event.TargetServer)
		return result
	}

	start := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(string(event.EventType), target.Name).
			Observe(time.Since(start).Seconds())
	}()

	// Resolve the user on the target, preferring the stored mapping.
	targetUserID, err := e.resolveTargetUser(ctx, client, event.Username, target.Name)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	if targetUserID == "" {
		result.Message = fmt.Sprintf("User '%s' not found on %s", event.Username, target.Name)
		return result
	}

	// Resolve the item: shared file path first, provider IDs second.
	var targetItem *jellyfin.Item
	if event.ItemPath != "" {
		targetItem, err = client.FindItemByPath(ctx, e.store, event.ItemPath)
		if err != nil {
			result.Message = err.Error()
			return result
		}
	}
	if targetItem == nil && (event.ProviderIMDB != "" || event.ProviderTMDB != "" || event.ProviderTVDB != "") {
		targetItem, err = client.FindItemByProviderID(ctx, event.ProviderIMDB, event.ProviderTMDB, event.ProviderTVDB)
		if err != nil {
			result.Message = err.Error()
			return result
		}
	}
	if targetItem == nil {
		return e.handleItemNotFound(ctx, event, target.Name)
	}

	logging.Debug().
		Str("component", "engine").
		Str("source", event.SourceServer).
		Str("target", event.TargetServer).
		Str("event_type", string(event.EventType)).
		Str("source_path", event.ItemPath).
		Str("target_path", targetItem.Path).
		Msg("syncing event")

	var data models.EventData
	if err := json.Unmarshal([]byte(event.EventData), &data); err != nil {
		result.Message = fmt.Sprintf("invalid event data: %s", err)
		return result
	}

	ok, syncedValue, err := e.executeSync(ctx, client, targetUserID, targetItem.ID, event.EventType, data)
	if err != nil {
		metrics.SyncOperations.WithLabelValues(string(event.EventType), target.Name, "failure").Inc()
		result.Message = err.Error()
		return result
	}
	if !ok {
		metrics.SyncOperations.WithLabelValues(string(event.EventType), target.Name, "failure").Inc()
		result.Message = msgSyncReturnedFalse
		return result
	}

	// A write just landed on the target; its own webhook about this
	// item must not bounce back into the queue.
	e.cooldowns.Set(target.Name, event.Username, event.ItemPath,
		event.ProviderIMDB, event.ProviderTMDB, event.ProviderTVDB, event.EventType)

	metrics.SyncOperations.WithLabelValues(string(event.EventType), target.Name, "success").Inc()
	result.Success = true
	result.Message = msgSyncedSuccessfully
	result.SyncedValue = syncedValue
	return result
}

func (e *Engine) resolveTargetUser(ctx context.Context, client jellyfin.API, username, targetName string) (string, error) {
	mapping, err := e.store.GetUserMapping(ctx, username, targetName)
	if err != nil {
		return "", err
	}
	if mapping != nil {
		return mapping.JellyfinUserID, nil
	}

	userID, err := client.GetUserID(ctx, username)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", nil
	}
	if err := e.store.UpsertUserMapping(ctx, username, targetName, userID); err != nil {
		return "", err
	}
	return userID, nil
}

// executeSync performs the state change, first checking the target's
// current value so an already-converged target costs one read and no
// write. Progress is exempt: a rewind is a deliberate user action and
// always syncs.
func (e *Engine) executeSync(
	ctx context.Context,
	client jellyfin.API,
	userID, itemID string,
	eventType models.EventType,
	data models.EventData,
) (bool, string, error) {
	current, err := client.GetUserData(ctx, userID, itemID)
	if err != nil {
		logging.Debug().
			Str("component", "engine").
			Err(err).
			Msg("could not read target user data, syncing blind")
		current = nil
	}

	if current != nil {
		if skipped, value := smartSkip(current, eventType, data); skipped {
			logging.Debug().
				Str("component", "engine").
				Str("event_type", string(eventType)).
				Str("value", value).
				Msg("target already converged, skipping")
			return true, value, nil
		}
	}

	op, syncedValue := e.planSync(client, userID, itemID, eventType, data)
	if op == nil {
		return false, "", nil
	}

	if e.cfg.Sync.DryRun {
		logging.Info().
			Str("component", "engine").
			Str("event_type", string(eventType)).
			Str("user_id", userID).
			Str("item_id", itemID).
			Str("value", syncedValue).
			Msg("[DRY RUN] would sync")
		return true, syncedValue, nil
	}

	if err := op(ctx); err != nil {
		return false, "", err
	}
	return true, syncedValue, nil
}

// smartSkip reports whether the target already carries the desired
// state, with the value string recorded in the sync log.
func smartSkip(current *jellyfin.UserData, eventType models.EventType, data models.EventData) (bool, string) {
	switch eventType {
	case models.EventWatched:
		if data.IsPlayed != nil && current.Played == *data.IsPlayed {
			return true, fmt.Sprintf("played=%t (already set)", *data.IsPlayed)
		}

	case models.EventFavorite:
		if data.IsFavorite != nil && current.IsFavorite == *data.IsFavorite {
			return true, fmt.Sprintf("favorite=%t (already set)", *data.IsFavorite)
		}

	case models.EventLikes:
		if data.Likes != nil && current.Likes != nil && *current.Likes == *data.Likes {
			return true, fmt.Sprintf("likes=%t (already set)", *data.Likes)
		}

	case models.EventPlayCount:
		// A higher count on the target is newer information, not drift.
		desired := 0
		if data.PlayCount != nil {
			desired = *data.PlayCount
		}
		if current.PlayCount >= desired {
			return true, fmt.Sprintf("play_count=%d (target >= source)", current.PlayCount)
		}

	case models.EventLastPlayed:
		// ISO timestamps compare correctly as strings.
		if data.LastPlayedDate != nil && current.LastPlayedDate != "" &&
			current.LastPlayedDate >= *data.LastPlayedDate {
			return true, fmt.Sprintf("last_played=%s (target newer)", datePrefix(current.LastPlayedDate))
		}

	case models.EventAudioStream:
		if data.AudioStreamIndex != nil && current.AudioStreamIndex != nil &&
			*current.AudioStreamIndex == *data.AudioStreamIndex {
			return true, fmt.Sprintf("audio_stream=%d (already set)", *data.AudioStreamIndex)
		}

	case models.EventSubtitleStream:
		if data.SubtitleStreamIndex != nil && current.SubtitleStreamIndex != nil &&
			*current.SubtitleStreamIndex == *data.SubtitleStreamIndex {
			return true, fmt.Sprintf("subtitle_stream=%d (already set)", *data.SubtitleStreamIndex)
		}

	case models.EventRating:
		if data.Rating != nil && current.Rating != nil && *current.Rating == *data.Rating {
			return true, fmt.Sprintf("rating=%v (already set)", *data.Rating)
		}

	case models.EventProgress:
		// Never skipped: the latest user action wins, including rewinds.
	}
	return false, ""
}

// planSync picks the API call for an event and the value string to log.
// Nil means the event data carries nothing actionable.
func (e *Engine) planSync(
	client jellyfin.API,
	userID, itemID string,
	eventType models.EventType,
	data models.EventData,
) (func(context.Context) error, string) {
	switch eventType {
	case models.EventProgress:
		if data.PositionTicks == nil {
			return nil, ""
		}
		ticks := *data.PositionTicks
		return func(ctx context.Context) error {
			return client.UpdatePlaybackProgress(ctx, userID, itemID, ticks)
		}, "position=" + formatTicks(ticks)

	case models.EventWatched:
		if data.IsPlayed == nil {
			return nil, ""
		}
		played := *data.IsPlayed
		return func(ctx context.Context) error {
			return client.SetPlayed(ctx, userID, itemID, played)
		}, fmt.Sprintf("played=%t", played)

	case models.EventFavorite:
		if data.IsFavorite == nil {
			return nil, ""
		}
		favorite := *data.IsFavorite
		return func(ctx context.Context) error {
			return client.SetFavorite(ctx, userID, itemID, favorite)
		}, fmt.Sprintf("favorite=%t", favorite)

	case models.EventRating:
		if data.Rating == nil {
			return nil, ""
		}
		rating := *data.Rating
		return func(ctx context.Context) error {
			return client.UpdateRating(ctx, userID, itemID, rating)
		}, fmt.Sprintf("rating=%v", rating)

	case models.EventLikes:
		likes := data.Likes
		return func(ctx context.Context) error {
			return client.UpdateUserData(ctx, userID, itemID, jellyfin.UserDataUpdate{Likes: likes})
		}, fmt.Sprintf("likes=%s", boolPtrString(likes))

	case models.EventPlayCount:
		count := data.PlayCount
		return func(ctx context.Context) error {
			return client.UpdateUserData(ctx, userID, itemID, jellyfin.UserDataUpdate{PlayCount: count})
		}, fmt.Sprintf("play_count=%s", intPtrString(count))

	case models.EventLastPlayed:
		date := data.LastPlayedDate
		value := "last_played="
		if date != nil {
			value += datePrefix(*date)
		}
		return func(ctx context.Context) error {
			return client.UpdateUserData(ctx, userID, itemID, jellyfin.UserDataUpdate{LastPlayedDate: date})
		}, value

	case models.EventAudioStream:
		idx := data.AudioStreamIndex
		return func(ctx context.Context) error {
			return client.UpdateUserData(ctx, userID, itemID, jellyfin.UserDataUpdate{AudioStreamIndex: idx})
		}, fmt.Sprintf("audio_stream=%s", intPtrString(idx))

	case models.EventSubtitleStream:
		idx := data.SubtitleStreamIndex
		return func(ctx context.Context) error {
			return client.UpdateUserData(ctx, userID, itemID, jellyfin.UserDataUpdate{SubtitleStreamIndex: idx})
		}, fmt.Sprintf("subtitle_stream=%s", intPtrString(idx))
	}

	return nil, ""
}

// handleItemNotFound consults the path policy when the target has no
// matching item. Without a policy the event fails outright; with one it
// parks in waiting_for_item until the item is imported or attempts run
// out. The returned result counts as success so the generic retry
// backoff does not also fire.
func (e *Engine) handleItemNotFound(ctx context.Context, event *models.PendingEvent, targetName string) models.SyncResult {
	result := models.SyncResult{
		TargetServer: targetName,
		EventType:    event.EventType,
	}
	errMsg := fmt.Sprintf("Item '%s' not found on %s", event.ItemName, targetName)

	policy := e.cfg.PathPolicyFor(event.ItemPath)
	if policy == nil || policy.AbsentRetryCount == 0 {
		result.Message = errMsg
		return result
	}

	attempt := event.ItemNotFoundCount + 1
	maxAttempts := policy.AbsentRetryCount

	if maxAttempts != -1 && attempt >= maxAttempts {
		result.Message = fmt.Sprintf("%s (gave up after %d attempts)", errMsg, attempt)
		return result
	}

	maxDisplay := "∞"
	if maxAttempts != -1 {
		maxDisplay = fmt.Sprintf("%d", maxAttempts)
	}
	if err := e.store.MarkEventWaitingForItem(ctx, event.ID, maxAttempts, policy.RetryDelay(),
		fmt.Sprintf("%s (attempt %d/%s)", errMsg, attempt, maxDisplay)); err != nil {
		result.Message = err.Error()
		return result
	}

	metrics.SyncOperations.WithLabelValues(string(event.EventType), targetName, "waiting").Inc()
	logging.Info().
		Str("component", "engine").
		Str("item", event.ItemName).
		Str("target", targetName).
		Int("attempt", attempt).
		Str("max", maxDisplay).
		Msg("item not found, will retry")

	result.Success = true
	result.Message = fmt.Sprintf("%s (attempt %d)", msgWaitingForItem, attempt)
	return result
}

// formatTicks renders a position in 100ns ticks as H:MM:SS, or M:SS
// under an hour.
func formatTicks(ticks int64) string {
	seconds := ticks / 10_000_000
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%02d", minutes, secs)
}

// datePrefix trims an ISO timestamp to its date part.
func datePrefix(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

func boolPtrString(b *bool) string {
	if b == nil {
		return "nil"
	}
	return fmt.Sprintf("%t", *b)
}

func intPtrString(n *int) string {
	if n == nil {
		return "nil"
	}
	return fmt.Sprintf("%d", *n)
}
