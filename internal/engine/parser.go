// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/metrics"
	"github.com/tomtom215/jellysync/internal/models"
)

// parseWebhook maps one webhook notification to zero or more sync
// events, honoring the per-feature config switches.
//
// A PlaybackStop that ran to completion becomes a watched event. A
// PlaybackProgress becomes a debounced progress event. A UserDataSaved
// fans out into one event per state field the payload carries, except
// Import saves, which are bulk operations (migration, restore) and are
// dropped whole so they cannot flood the queue.
func (e *Engine) parseWebhook(payload *models.WebhookPayload, sourceServer string) []models.SyncEvent {
	var events []models.SyncEvent

	switch payload.Event {
	case models.NotificationPlaybackStop:
		if payload.PlayedToCompletion && e.cfg.Sync.WatchedStatus {
			played := true
			events = append(events, models.SyncEvent{
				Type: models.EventWatched,
				Data: models.EventData{IsPlayed: &played},
			})
		}

	case models.NotificationPlaybackProgress:
		if !e.cfg.Sync.PlaybackProgress {
			return events
		}
		if payload.PlaybackPositionTicks == nil || *payload.PlaybackPositionTicks <= 0 {
			return events
		}
		key := debounceKey(sourceServer, payload.Username, payload.ItemID)
		if !e.debouncer.Allow(key) {
			metrics.EventsSuppressed.WithLabelValues("debounce").Inc()
			return events
		}
		events = append(events, models.SyncEvent{
			Type: models.EventProgress,
			Data: models.EventData{PositionTicks: payload.PlaybackPositionTicks},
		})

	case models.NotificationUserDataSaved:
		if payload.SaveReason == models.SaveReasonImport {
			logging.Debug().
				Str("component", "engine").
				Str("item", payload.ItemName).
				Msg("skipping import save (bulk operation)")
			return events
		}

		if e.cfg.Sync.WatchedStatus && payload.IsPlayed != nil {
			events = append(events, models.SyncEvent{
				Type: models.EventWatched,
				Data: models.EventData{IsPlayed: payload.IsPlayed},
			})
		}
		if e.cfg.Sync.Favorites && payload.IsFavorite != nil {
			events = append(events, models.SyncEvent{
				Type: models.EventFavorite,
				Data: models.EventData{IsFavorite: payload.IsFavorite},
			})
		}
		if e.cfg.Sync.Likes && payload.Likes != nil {
			events = append(events, models.SyncEvent{
				Type: models.EventLikes,
				Data: models.EventData{Likes: payload.Likes},
			})
		}
		if e.cfg.Sync.PlayCount && payload.PlayCount != nil {
			events = append(events, models.SyncEvent{
				Type: models.EventPlayCount,
				Data: models.EventData{PlayCount: payload.PlayCount},
			})
		}
		if e.cfg.Sync.LastPlayedDate && payload.LastPlayedDate != nil && *payload.LastPlayedDate != "" {
			events = append(events, models.SyncEvent{
				Type: models.EventLastPlayed,
				Data: models.EventData{LastPlayedDate: payload.LastPlayedDate},
			})
		}
		if e.cfg.Sync.AudioStream && payload.AudioStreamIndex != nil {
			events = append(events, models.SyncEvent{
				Type: models.EventAudioStream,
				Data: models.EventData{AudioStreamIndex: payload.AudioStreamIndex},
			})
		}
		if e.cfg.Sync.SubtitleStream && payload.SubtitleStreamIndex != nil {
			events = append(events, models.SyncEvent{
				Type: models.EventSubtitleStream,
				Data: models.EventData{SubtitleStreamIndex: payload.SubtitleStreamIndex},
			})
		}
	}

	return events
}
