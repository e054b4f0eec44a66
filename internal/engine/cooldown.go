// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"sync"
	"time"

	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/models"
)

// syncCooldown is how long webhooks from a peer are ignored after we
// wrote the same item state to it. Breaks the A->B->A echo loop.
const syncCooldown = 30 * time.Second

// itemIdentityKey derives a cross-server identity for an item. Item IDs
// differ per server, so the shared file path is primary and provider
// IDs are the fallback. Empty means the item cannot be tracked.
func itemIdentityKey(path, imdb, tmdb, tvdb string) string {
	if path != "" {
		return "path:" + path
	}
	if imdb != "" {
		return "imdb:" + imdb
	}
	if tmdb != "" {
		return "tmdb:" + tmdb
	}
	if tvdb != "" {
		return "tvdb:" + tvdb
	}
	return ""
}

type cooldownTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	expiry  map[string]time.Time
	nowFunc func() time.Time
}

func newCooldownTracker(ttl time.Duration) *cooldownTracker {
	return &cooldownTracker{
		ttl:     ttl,
		expiry:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

func cooldownKey(server, username, itemKey string, eventType models.EventType) string {
	return server + ":" + username + ":" + itemKey + ":" + string(eventType)
}

// Set starts a cooldown after a successful sync TO server. Webhooks
// FROM that server about the same item and event type are ignored
// until it expires.
func (t *cooldownTracker) Set(server, username, path, imdb, tmdb, tvdb string, eventType models.EventType) {
	itemKey := itemIdentityKey(path, imdb, tmdb, tvdb)
	if itemKey == "" {
		logging.Warn().
			Str("component", "engine").
			Str("server", server).
			Msg("cannot set cooldown: no item path or provider IDs")
		return
	}
	key := cooldownKey(server, username, itemKey, eventType)

	t.mu.Lock()
	t.expiry[key] = t.nowFunc().Add(t.ttl)
	t.mu.Unlock()
}

// InCooldown reports whether an inbound event should be suppressed.
// Expired entries are removed on probe.
func (t *cooldownTracker) InCooldown(server, username, path, imdb, tmdb, tvdb string, eventType models.EventType) bool {
	itemKey := itemIdentityKey(path, imdb, tmdb, tvdb)
	if itemKey == "" {
		return false
	}
	key := cooldownKey(server, username, itemKey, eventType)

	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, ok := t.expiry[key]
	if !ok {
		return false
	}
	if !t.nowFunc().Before(expiry) {
		delete(t.expiry, key)
		return false
	}
	return true
}

// Cleanup drops expired entries. Called lazily on every enqueue so the
// map cannot grow without bound.
func (t *cooldownTracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFunc()
	for key, expiry := range t.expiry {
		if !now.Before(expiry) {
			delete(t.expiry, key)
		}
	}
}

func (t *cooldownTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.expiry)
}
