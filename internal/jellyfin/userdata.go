// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package jellyfin

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// UserDataUpdate is a partial update to an item's per-user state.
// Nil fields are left untouched on the peer.
type UserDataUpdate struct {
	PlaybackPositionTicks *int64  `json:"PlaybackPositionTicks,omitempty"`
	Played                *bool   `json:"Played,omitempty"`
	PlayCount             *int    `json:"PlayCount,omitempty"`
	LastPlayedDate        *string `json:"LastPlayedDate,omitempty"`
	Likes                 *bool   `json:"Likes,omitempty"`
	AudioStreamIndex      *int    `json:"AudioStreamIndex,omitempty"`
	SubtitleStreamIndex   *int    `json:"SubtitleStreamIndex,omitempty"`
}

func (u UserDataUpdate) isEmpty() bool {
	return u.PlaybackPositionTicks == nil &&
		u.Played == nil &&
		u.PlayCount == nil &&
		u.LastPlayedDate == nil &&
		u.Likes == nil &&
		u.AudioStreamIndex == nil &&
		u.SubtitleStreamIndex == nil
}

// UpdateUserData applies a partial user-data update to an item.
func (c *Client) UpdateUserData(ctx context.Context, userID, itemID string, update UserDataUpdate) error {
	if update.isEmpty() {
		return nil
	}
	return c.doDiscard(ctx, "update_user_data", http.MethodPost,
		"/Users/"+userID+"/Items/"+itemID+"/UserData", nil, update)
}

// UpdatePlaybackProgress sets the resume position for an item.
//
// Uses the UserData endpoint rather than PlayingItems/Progress: the
// latter requires an active playback session, and updating without one
// can crash session-tracking plugins on the peer.
func (c *Client) UpdatePlaybackProgress(ctx context.Context, userID, itemID string, positionTicks int64) error {
	return c.UpdateUserData(ctx, userID, itemID, UserDataUpdate{
		PlaybackPositionTicks: &positionTicks,
	})
}

// SetPlayed marks an item played or unplayed.
func (c *Client) SetPlayed(ctx context.Context, userID, itemID string, played bool) error {
	endpoint := "/Users/" + userID + "/PlayedItems/" + itemID
	if played {
		return c.doDiscard(ctx, "mark_played", http.MethodPost, endpoint, nil, nil)
	}
	return c.doDiscard(ctx, "mark_unplayed", http.MethodDelete, endpoint, nil, nil)
}

// SetFavorite adds or removes an item from the user's favorites.
func (c *Client) SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error {
	endpoint := "/Users/" + userID + "/FavoriteItems/" + itemID
	if favorite {
		return c.doDiscard(ctx, "add_favorite", http.MethodPost, endpoint, nil, nil)
	}
	return c.doDiscard(ctx, "remove_favorite", http.MethodDelete, endpoint, nil, nil)
}

// UpdateRating sets the user rating for an item. Jellyfin stores only
// likes/dislikes, so a 0-10 rating maps to likes at 5 and above.
func (c *Client) UpdateRating(ctx context.Context, userID, itemID string, rating float64) error {
	query := url.Values{"likes": {strconv.FormatBool(rating >= 5)}}
	return c.doDiscard(ctx, "update_rating", http.MethodPost,
		"/Users/"+userID+"/Items/"+itemID+"/Rating", query, nil)
}

// DeleteRating clears the user rating for an item.
func (c *Client) DeleteRating(ctx context.Context, userID, itemID string) error {
	return c.doDiscard(ctx, "delete_rating", http.MethodDelete,
		"/Users/"+userID+"/Items/"+itemID+"/Rating", nil, nil)
}

// PublicServerInfo is the unauthenticated system info document.
type PublicServerInfo struct {
	ServerName string `json:"ServerName"`
	Version    string `json:"Version"`
	ID         string `json:"Id"`
}

// ServerInfo fetches the peer's public system info.
func (c *Client) ServerInfo(ctx context.Context) (*PublicServerInfo, error) {
	var info PublicServerInfo
	if err := c.doJSON(ctx, "server_info", http.MethodGet, "/System/Info/Public", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health reports whether the peer is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.ServerInfo(ctx)
	return err
}
