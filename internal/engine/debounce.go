// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"sync"
	"time"
)

// progressDebouncer rate-limits progress events per playback session.
// Jellyfin fires PlaybackProgress every few seconds; syncing each one
// would hammer the queue and the peers. The first event in a window
// wins, later ones are dropped until the window elapses.
type progressDebouncer struct {
	mu       sync.Mutex
	window   time.Duration
	lastSync map[string]time.Time
	nowFunc  func() time.Time
}

func newProgressDebouncer(window time.Duration) *progressDebouncer {
	return &progressDebouncer{
		window:   window,
		lastSync: make(map[string]time.Time),
		nowFunc:  time.Now,
	}
}

// debounceKey scopes the window to one user's playback of one item on
// one server.
func debounceKey(source, username, itemID string) string {
	return source + ":" + username + ":" + itemID
}

// Allow reports whether a progress event should pass, recording the
// timestamp when it does.
func (d *progressDebouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	if last, ok := d.lastSync[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.lastSync[key] = now
	return true
}
