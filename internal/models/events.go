// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

// Package models holds the shared data types: webhook payloads, sync
// events, queue rows, and user mappings.
package models

import (
	"time"
)

// EventType identifies a sync operation derived from a webhook.
type EventType string

const (
	EventProgress       EventType = "progress"
	EventWatched        EventType = "watched"
	EventFavorite       EventType = "favorite"
	EventRating         EventType = "rating"
	EventLikes          EventType = "likes"
	EventPlayCount      EventType = "play_count"
	EventLastPlayed     EventType = "last_played"
	EventAudioStream    EventType = "audio_stream"
	EventSubtitleStream EventType = "subtitle_stream"
)

// EventStatus is the queue state machine. Values are stored verbatim in
// the pending_events table.
type EventStatus string

const (
	StatusPending        EventStatus = "pending"
	StatusProcessing     EventStatus = "processing"
	StatusFailed         EventStatus = "failed"
	StatusWaitingForItem EventStatus = "waiting_for_item"
)

// EventData carries the typed payload of a single sync event. Pointer
// fields distinguish absent from zero; the JSON form is stored in the
// event_data column.
type EventData struct {
	PositionTicks       *int64   `json:"position_ticks,omitempty"`
	IsPlayed            *bool    `json:"is_played,omitempty"`
	IsFavorite          *bool    `json:"is_favorite,omitempty"`
	Rating              *float64 `json:"rating,omitempty"`
	Likes               *bool    `json:"likes,omitempty"`
	PlayCount           *int     `json:"play_count,omitempty"`
	LastPlayedDate      *string  `json:"last_played_date,omitempty"`
	AudioStreamIndex    *int     `json:"audio_stream_index,omitempty"`
	SubtitleStreamIndex *int     `json:"subtitle_stream_index,omitempty"`
}

// SyncEvent is a parsed intent before fan-out: one event type plus its data.
type SyncEvent struct {
	Type EventType
	Data EventData
}

// PendingEvent is one row of the durable queue.
type PendingEvent struct {
	ID           int64       `json:"id"`
	EventType    EventType   `json:"event_type"`
	SourceServer string      `json:"source_server"`
	TargetServer string      `json:"target_server"`
	Username     string      `json:"username"`
	UserID       string      `json:"user_id"`
	ItemID       string      `json:"item_id"`
	ItemName     string      `json:"item_name"`
	ItemPath     string      `json:"item_path,omitempty"`
	ProviderIMDB string      `json:"provider_imdb,omitempty"`
	ProviderTMDB string      `json:"provider_tmdb,omitempty"`
	ProviderTVDB string      `json:"provider_tvdb,omitempty"`
	EventData    string      `json:"event_data"`
	Status       EventStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	LastError    string      `json:"last_error,omitempty"`

	// Item-not-found tracking, separate from general retries.
	ItemNotFoundCount int `json:"item_not_found_count"`
	ItemNotFoundMax   int `json:"item_not_found_max"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// SyncResult reports the outcome of executing one pending event.
type SyncResult struct {
	Success      bool
	TargetServer string
	EventType    EventType
	Message      string
	// SyncedValue is a human-readable summary of the applied change,
	// such as "position=1:23:45" or "played=true (already set)".
	SyncedValue string
}

// UserMapping links a username to its per-server Jellyfin user ID.
type UserMapping struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	ServerName     string    `json:"server_name"`
	JellyfinUserID string    `json:"jellyfin_user_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SyncLogEntry is one completed (or permanently failed) sync operation.
type SyncLogEntry struct {
	ID           int64     `json:"id"`
	EventType    EventType `json:"event_type"`
	SourceServer string    `json:"source_server"`
	TargetServer string    `json:"target_server"`
	Username     string    `json:"username"`
	ItemID       string    `json:"item_id"`
	ItemName     string    `json:"item_name"`
	SyncedValue  string    `json:"synced_value,omitempty"`
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ItemPathCacheEntry maps a library file path to its item ID on one peer.
type ItemPathCacheEntry struct {
	ServerName string    `json:"server_name"`
	ItemPath   string    `json:"item_path"`
	ItemID     string    `json:"item_id"`
	ItemName   string    `json:"item_name"`
	UpdatedAt  time.Time `json:"updated_at"`
}
