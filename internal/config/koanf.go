// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/jellysync/config.yaml",
	"/etc/jellysync/config.yml",
	"/config/config.yaml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			PlaybackProgress:        true,
			WatchedStatus:           true,
			Favorites:               true,
			Ratings:                 true,
			Likes:                   true,
			PlayCount:               true,
			LastPlayedDate:          true,
			AudioStream:             true,
			SubtitleStream:          true,
			ProgressDebounceSeconds: 30,
			WorkerIntervalSeconds:   5.0,
			MaxRetries:              5,
			DryRun:                  false,
		},
		Database: DatabaseConfig{
			Path:        "/data/jellysync.db",
			JournalMode: "WAL",
		},
		Server: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it. Precedence: env > file > defaults.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit file path. An empty path skips the
// file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so stray environment noise cannot leak
// into the config.
//
// Examples:
//   - SYNC_DRY_RUN -> sync.dry_run
//   - DATABASE_PATH -> database.path
//   - HTTP_PORT -> server.port
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"sync_playback_progress":         "sync.playback_progress",
		"sync_watched_status":            "sync.watched_status",
		"sync_favorites":                 "sync.favorites",
		"sync_ratings":                   "sync.ratings",
		"sync_likes":                     "sync.likes",
		"sync_play_count":                "sync.play_count",
		"sync_last_played_date":          "sync.last_played_date",
		"sync_audio_stream":              "sync.audio_stream",
		"sync_subtitle_stream":           "sync.subtitle_stream",
		"sync_progress_debounce_seconds": "sync.progress_debounce_seconds",
		"sync_worker_interval_seconds":   "sync.worker_interval_seconds",
		"sync_max_retries":               "sync.max_retries",
		"sync_dry_run":                   "sync.dry_run",

		"database_path":         "database.path",
		"database_journal_mode": "database.journal_mode",

		"http_host":                  "server.host",
		"http_port":                  "server.port",
		"http_rate_limit_per_minute": "server.rate_limit_per_minute",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
