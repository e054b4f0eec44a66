// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package models

import (
	"github.com/goccy/go-json"
)

// Webhook notification types we act on.
const (
	NotificationPlaybackStart    = "PlaybackStart"
	NotificationPlaybackStop     = "PlaybackStop"
	NotificationPlaybackProgress = "PlaybackProgress"
	NotificationUserDataSaved    = "UserDataSaved"
	NotificationUserCreated      = "UserCreated"
	NotificationUserDeleted      = "UserDeleted"
)

// SaveReasonImport marks bulk user-data writes (migration, restore). Such
// envelopes are dropped whole so an import cannot flood the queue.
const SaveReasonImport = "Import"

// WebhookPayload is an incoming notification from the Jellyfin webhook
// plugin. Decoding is tolerant: unknown fields are ignored and a few keys
// vary between plugin versions (Favorite vs IsFavorite, Save_Reason vs
// SaveReason). Pointer fields distinguish absent from false/zero.
type WebhookPayload struct {
	Event      string
	ServerID   string
	ServerName string

	UserID   string
	Username string

	ItemID   string
	ItemName string
	ItemType string
	ItemPath string

	PlaybackPositionTicks *int64
	PlaybackPosition      string
	PlayedToCompletion    bool

	IsPlayed            *bool
	IsFavorite          *bool
	Likes               *bool
	PlayCount           *int
	LastPlayedDate      *string
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
	SaveReason          string

	ProviderIMDB string
	ProviderTMDB string
	ProviderTVDB string
}

type webhookPayloadWire struct {
	NotificationType string `json:"NotificationType"`
	ServerID         string `json:"ServerId"`
	ServerName       string `json:"ServerName"`

	UserID               string `json:"UserId"`
	NotificationUsername string `json:"NotificationUsername"`

	ItemID   string `json:"ItemId"`
	Name     string `json:"Name"`
	ItemType string `json:"ItemType"`
	Path     string `json:"Path"`

	PlaybackPositionTicks *int64 `json:"PlaybackPositionTicks"`
	PlaybackPosition      string `json:"PlaybackPosition"`
	PlayedToCompletion    bool   `json:"PlayedToCompletion"`

	Played              *bool   `json:"Played"`
	IsFavorite          *bool   `json:"IsFavorite"`
	Favorite            *bool   `json:"Favorite"`
	Likes               *bool   `json:"Likes"`
	PlayCount           *int    `json:"PlayCount"`
	LastPlayedDate      *string `json:"LastPlayedDate"`
	AudioStreamIndex    *int    `json:"AudioStreamIndex"`
	SubtitleStreamIndex *int    `json:"SubtitleStreamIndex"`
	SaveReason          string  `json:"SaveReason"`
	SaveReasonAlt       string  `json:"Save_Reason"`

	ProviderIMDB string `json:"Provider_imdb"`
	ProviderTMDB string `json:"Provider_tmdb"`
	ProviderTVDB string `json:"Provider_tvdb"`
}

// UnmarshalJSON folds key variants into the canonical fields.
func (p *WebhookPayload) UnmarshalJSON(data []byte) error {
	var w webhookPayloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	p.Event = w.NotificationType
	p.ServerID = w.ServerID
	p.ServerName = w.ServerName
	p.UserID = w.UserID
	p.Username = w.NotificationUsername
	p.ItemID = w.ItemID
	p.ItemName = w.Name
	p.ItemType = w.ItemType
	p.ItemPath = w.Path
	p.PlaybackPositionTicks = w.PlaybackPositionTicks
	p.PlaybackPosition = w.PlaybackPosition
	p.PlayedToCompletion = w.PlayedToCompletion
	p.IsPlayed = w.Played
	p.IsFavorite = w.IsFavorite
	if p.IsFavorite == nil {
		p.IsFavorite = w.Favorite
	}
	p.Likes = w.Likes
	p.PlayCount = w.PlayCount
	p.LastPlayedDate = w.LastPlayedDate
	p.AudioStreamIndex = w.AudioStreamIndex
	p.SubtitleStreamIndex = w.SubtitleStreamIndex
	p.SaveReason = w.SaveReason
	if p.SaveReason == "" {
		p.SaveReason = w.SaveReasonAlt
	}
	p.ProviderIMDB = w.ProviderIMDB
	p.ProviderTMDB = w.ProviderTMDB
	p.ProviderTVDB = w.ProviderTVDB
	return nil
}

// HasProviderIDs reports whether any cross-server provider ID is present.
func (p *WebhookPayload) HasProviderIDs() bool {
	return p.ProviderIMDB != "" || p.ProviderTMDB != "" || p.ProviderTVDB != ""
}
