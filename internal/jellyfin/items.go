// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package jellyfin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tomtom215/jellysync/internal/database"
	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/metrics"
)

// libraryPageSize bounds one page of the full-library fetch.
const libraryPageSize = 500

// mediaItemTypes limits library paging to items that carry file paths.
const mediaItemTypes = "Movie,Episode,Video,Audio,MusicVideo"

// Item is a library entry on a peer.
type Item struct {
	ID          string            `json:"Id"`
	Name        string            `json:"Name"`
	Type        string            `json:"Type"`
	Path        string            `json:"Path"`
	ProviderIDs map[string]string `json:"ProviderIds"`
	UserData    *UserData         `json:"UserData,omitempty"`
}

// UserData is the per-user playback state attached to an item.
type UserData struct {
	PlaybackPositionTicks int64    `json:"PlaybackPositionTicks"`
	PlayCount             int      `json:"PlayCount"`
	Played                bool     `json:"Played"`
	IsFavorite            bool     `json:"IsFavorite"`
	Rating                *float64 `json:"Rating,omitempty"`
	Likes                 *bool    `json:"Likes,omitempty"`
	LastPlayedDate        string   `json:"LastPlayedDate,omitempty"`
	AudioStreamIndex      *int     `json:"AudioStreamIndex,omitempty"`
	SubtitleStreamIndex   *int     `json:"SubtitleStreamIndex,omitempty"`
}

type itemsPage struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

// ItemCache is the persistent path-to-ID cache the lookup runs against.
// *database.Store satisfies it.
type ItemCache interface {
	GetCachedItemID(ctx context.Context, serverName, itemPath string) (string, error)
	CacheItemsBatch(ctx context.Context, serverName string, items []database.CachedItem) (int, error)
	InvalidateItemCache(ctx context.Context, serverName, itemPath string) (int64, error)
}

// FindItemByPath resolves a file path to an item. Peers that mount the
// same storage see identical paths, which makes this the most reliable
// match, including for content without provider IDs.
//
// The cache is consulted first. On a miss the whole library is paged
// from the peer and cached in one batch. Returns nil when the item does
// not exist on the peer.
func (c *Client) FindItemByPath(ctx context.Context, cache ItemCache, path string) (*Item, error) {
	adminID, err := c.AdminUserID(ctx)
	if err != nil {
		return nil, err
	}

	cachedID, err := cache.GetCachedItemID(ctx, c.name, path)
	if err != nil {
		return nil, err
	}
	if cachedID != "" {
		metrics.ItemCacheLookups.WithLabelValues(c.name, "hit").Inc()
		item, err := c.fetchItem(ctx, adminID, cachedID)
		if err == nil {
			return item, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
		// Cached item was deleted or moved on the peer.
		logging.Warn().
			Str("component", "jellyfin").
			Str("server", c.name).
			Str("item_id", cachedID).
			Str("path", path).
			Msg("cached item no longer exists, invalidating")
		if _, err := cache.InvalidateItemCache(ctx, c.name, path); err != nil {
			return nil, err
		}
	} else {
		metrics.ItemCacheLookups.WithLabelValues(c.name, "miss").Inc()
	}

	return c.refreshCacheAndFind(ctx, cache, adminID, path)
}

// refreshCacheAndFind repopulates the path cache from the peer and
// looks for path. Only one refresh per peer runs at a time: latecomers
// wait for the refresh in flight and re-check the cache instead of
// starting a second full-library fetch.
func (c *Client) refreshCacheAndFind(ctx context.Context, cache ItemCache, adminID, path string) (*Item, error) {
	if !c.refreshMu.TryLock() {
		// Wait for the refresh in flight to finish.
		c.refreshMu.Lock()
		c.refreshMu.Unlock() //nolint:staticcheck // barrier, not a critical section

		cachedID, err := cache.GetCachedItemID(ctx, c.name, path)
		if err != nil {
			return nil, err
		}
		if cachedID == "" {
			return nil, nil
		}
		item, err := c.fetchItem(ctx, adminID, cachedID)
		if IsNotFound(err) {
			return nil, nil
		}
		return item, err
	}
	defer c.refreshMu.Unlock()

	if !c.refreshLimiter.Allow() {
		logging.Debug().
			Str("component", "jellyfin").
			Str("server", c.name).
			Str("path", path).
			Msg("library refresh rate limited, treating as not found")
		return nil, nil
	}

	metrics.ItemCacheRefreshes.WithLabelValues(c.name).Inc()

	var (
		found      *Item
		batch      []database.CachedItem
		startIndex = 0
	)
	for {
		query := url.Values{
			"recursive":        {"true"},
			"fields":           {"Path,ProviderIds"},
			"includeItemTypes": {mediaItemTypes},
			"startIndex":       {strconv.Itoa(startIndex)},
			"limit":            {strconv.Itoa(libraryPageSize)},
		}
		var page itemsPage
		if err := c.doJSON(ctx, "list_items", http.MethodGet, "/Users/"+adminID+"/Items", query, nil, &page); err != nil {
			return nil, fmt.Errorf("library refresh on %s failed: %w", c.name, err)
		}

		for i := range page.Items {
			it := page.Items[i]
			if it.Path == "" {
				continue
			}
			batch = append(batch, database.CachedItem{Path: it.Path, ID: it.ID, Name: it.Name})
			if it.Path == path {
				found = &page.Items[i]
			}
		}

		if startIndex+len(page.Items) >= page.TotalRecordCount || len(page.Items) == 0 {
			break
		}
		startIndex += libraryPageSize
	}

	if _, err := cache.CacheItemsBatch(ctx, c.name, batch); err != nil {
		return nil, err
	}

	if found != nil {
		logging.Info().
			Str("component", "jellyfin").
			Str("server", c.name).
			Str("item", found.Name).
			Str("item_id", found.ID).
			Msg("cache refreshed, item found")
		return found, nil
	}
	logging.Warn().
		Str("component", "jellyfin").
		Str("server", c.name).
		Str("path", path).
		Int("cached", len(batch)).
		Msg("cache refreshed but item not found")
	return nil, nil
}

// FindItemByProviderID searches by external IDs, trying IMDb, then
// TMDb, then TVDb. Returns nil when nothing matches.
func (c *Client) FindItemByProviderID(ctx context.Context, imdbID, tmdbID, tvdbID string) (*Item, error) {
	adminID, err := c.AdminUserID(ctx)
	if err != nil {
		return nil, err
	}

	providers := []struct {
		name  string
		value string
	}{
		{"Imdb", imdbID},
		{"Tmdb", tmdbID},
		{"Tvdb", tvdbID},
	}
	for _, p := range providers {
		if p.value == "" {
			continue
		}
		query := url.Values{
			"recursive": {"true"},
			"fields":    {"ProviderIds,Path"},
			// Collections share provider IDs with the media itself.
			"excludeItemTypes":    {"BoxSet,Folder,CollectionFolder"},
			"limit":               {"1"},
			"AnyProviderIdEquals": {p.name + "." + p.value},
		}
		var page itemsPage
		if err := c.doJSON(ctx, "find_by_provider", http.MethodGet, "/Users/"+adminID+"/Items", query, nil, &page); err != nil {
			logging.Debug().
				Str("component", "jellyfin").
				Str("server", c.name).
				Str("provider", p.name).
				Err(err).
				Msg("provider search failed")
			continue
		}
		if len(page.Items) > 0 {
			return &page.Items[0], nil
		}
	}
	return nil, nil
}

// GetItemInfo fetches a single item with path and provider IDs.
func (c *Client) GetItemInfo(ctx context.Context, userID, itemID string) (*Item, error) {
	return c.fetchItem(ctx, userID, itemID)
}

// GetUserData returns the per-user playback state for one item.
func (c *Client) GetUserData(ctx context.Context, userID, itemID string) (*UserData, error) {
	item, err := c.fetchItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	return item.UserData, nil
}

func (c *Client) fetchItem(ctx context.Context, userID, itemID string) (*Item, error) {
	query := url.Values{"fields": {"Path,ProviderIds"}}
	var item Item
	if err := c.doJSON(ctx, "get_item", http.MethodGet, "/Users/"+userID+"/Items/"+itemID, query, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}
