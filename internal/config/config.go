// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

// Package config defines the JellySync configuration model and its loader.
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables.
package config

import (
	"time"
)

// ServerEntry describes one Jellyfin peer participating in sync.
type ServerEntry struct {
	Name   string `koanf:"name" validate:"required"`
	URL    string `koanf:"url" validate:"required,url"`
	APIKey string `koanf:"api_key" validate:"required"`
	// Passwordless peers get replicated users created with an empty password.
	Passwordless bool `koanf:"passwordless"`
}

// SyncConfig holds the per-feature sync switches and pipeline tuning.
type SyncConfig struct {
	PlaybackProgress bool `koanf:"playback_progress"`
	WatchedStatus    bool `koanf:"watched_status"`
	Favorites        bool `koanf:"favorites"`
	Ratings          bool `koanf:"ratings"`
	Likes            bool `koanf:"likes"`
	PlayCount        bool `koanf:"play_count"`
	LastPlayedDate   bool `koanf:"last_played_date"`
	AudioStream      bool `koanf:"audio_stream"`
	SubtitleStream   bool `koanf:"subtitle_stream"`

	ProgressDebounceSeconds int     `koanf:"progress_debounce_seconds" validate:"gte=0"`
	WorkerIntervalSeconds   float64 `koanf:"worker_interval_seconds" validate:"gt=0"`
	MaxRetries              int     `koanf:"max_retries" validate:"gte=0"`
	// DryRun enqueues and claims events but skips all mutations on peers.
	DryRun bool `koanf:"dry_run"`
}

// ProgressDebounce returns the debounce window as a duration.
func (s SyncConfig) ProgressDebounce() time.Duration {
	return time.Duration(s.ProgressDebounceSeconds) * time.Second
}

// WorkerInterval returns the worker tick as a duration.
func (s SyncConfig) WorkerInterval() time.Duration {
	return time.Duration(s.WorkerIntervalSeconds * float64(time.Second))
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path        string `koanf:"path" validate:"required"`
	JournalMode string `koanf:"journal_mode" validate:"oneof=WAL DELETE TRUNCATE MEMORY OFF"`
}

// HTTPConfig holds the webhook/API listener settings.
type HTTPConfig struct {
	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"gt=0,lte=65535"`
	// CORSAllowedOrigins is empty by default: the dashboard is expected to
	// be served same-origin, so cross-origin access is opt-in.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	// RateLimitPerMinute caps requests per client IP. 0 keeps the default.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute" validate:"gte=0"`
}

// LoggingConfig mirrors the logging package options.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// PathPolicy controls retry behavior when a synced item has not yet been
// imported on the target peer. Matched by path prefix.
type PathPolicy struct {
	Prefix string `koanf:"prefix" validate:"required"`
	// AbsentRetryCount: -1 retries forever, 0 disables retry, N bounds it.
	AbsentRetryCount  int `koanf:"absent_retry_count" validate:"gte=-1"`
	RetryDelaySeconds int `koanf:"retry_delay_seconds" validate:"gt=0"`
}

// RetryDelay returns the per-policy wait between item lookups.
func (p PathPolicy) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// Config is the root configuration.
type Config struct {
	Servers        []ServerEntry  `koanf:"servers" validate:"min=1,dive"`
	Sync           SyncConfig     `koanf:"sync"`
	Database       DatabaseConfig `koanf:"database"`
	Server         HTTPConfig     `koanf:"server"`
	Logging        LoggingConfig  `koanf:"logging"`
	PathSyncPolicy []PathPolicy   `koanf:"path_sync_policy" validate:"dive"`
}

// GetServer returns the peer with the given name.
func (c *Config) GetServer(name string) (ServerEntry, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerEntry{}, false
}

// OtherServers returns every peer except the named one. These are the
// fan-out targets for an event originating on exclude.
func (c *Config) OtherServers(exclude string) []ServerEntry {
	out := make([]ServerEntry, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Name != exclude {
			out = append(out, s)
		}
	}
	return out
}

// PathPolicyFor returns the policy whose prefix is the longest match for
// path, or nil when no policy applies.
func (c *Config) PathPolicyFor(path string) *PathPolicy {
	if path == "" {
		return nil
	}
	var match *PathPolicy
	longest := 0
	for i := range c.PathSyncPolicy {
		p := &c.PathSyncPolicy[i]
		if len(p.Prefix) > longest && hasPrefix(path, p.Prefix) {
			match = p
			longest = len(p.Prefix)
		}
	}
	return match
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
