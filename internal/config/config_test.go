// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Servers = []ServerEntry{
		{Name: "alpha", URL: "http://alpha:8096", APIKey: "key-a"},
		{Name: "beta", URL: "http://beta:8096", APIKey: "key-b", Passwordless: true},
	}
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRequiresServers(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty server list")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := validConfig()
	cfg.Servers = append(cfg.Servers, ServerEntry{Name: "alpha", URL: "http://c:8096", APIKey: "k"})
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicate server name")
	}
}

func TestValidateJournalMode(t *testing.T) {
	cfg := validConfig()
	cfg.Database.JournalMode = "wal"
	if err := cfg.Validate(); err != nil {
		t.Errorf("lowercase journal mode should normalize, got %v", err)
	}
	if cfg.Database.JournalMode != "WAL" {
		t.Errorf("journal mode = %q, want WAL", cfg.Database.JournalMode)
	}

	cfg.Database.JournalMode = "PERSIST"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported journal mode")
	}
}

func TestValidateRejectsBadServerURL(t *testing.T) {
	cfg := validConfig()
	cfg.Servers[0].URL = "not-a-url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed server URL")
	}
}

func TestPathPolicyForLongestPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.PathSyncPolicy = []PathPolicy{
		{Prefix: "/movies", AbsentRetryCount: 5, RetryDelaySeconds: 60},
		{Prefix: "/movies/new", AbsentRetryCount: -1, RetryDelaySeconds: 300},
	}

	p := cfg.PathPolicyFor("/movies/new/release.mkv")
	if p == nil {
		t.Fatal("expected a policy match")
	}
	if p.AbsentRetryCount != -1 {
		t.Errorf("AbsentRetryCount = %d, want -1 (longest prefix)", p.AbsentRetryCount)
	}

	p = cfg.PathPolicyFor("/movies/old/classic.mkv")
	if p == nil {
		t.Fatal("expected a policy match")
	}
	if p.AbsentRetryCount != 5 {
		t.Errorf("AbsentRetryCount = %d, want 5", p.AbsentRetryCount)
	}

	if cfg.PathPolicyFor("/shows/e1.mkv") != nil {
		t.Error("expected nil for unmatched path")
	}
	if cfg.PathPolicyFor("") != nil {
		t.Error("expected nil for empty path")
	}
}

func TestLoadFileLayersYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
servers:
  - name: alpha
    url: http://alpha:8096
    api_key: key-a
  - name: beta
    url: http://beta:8096
    api_key: key-b
    passwordless: true
sync:
  progress_debounce_seconds: 10
  dry_run: true
database:
  path: ` + filepath.Join(dir, "sync.db") + `
server:
  port: 9090
path_sync_policy:
  - prefix: /media/movies
    absent_retry_count: 3
    retry_delay_seconds: 120
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if len(cfg.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.Servers))
	}
	if !cfg.Servers[1].Passwordless {
		t.Error("beta should be passwordless")
	}
	if cfg.Sync.ProgressDebounceSeconds != 10 {
		t.Errorf("debounce = %d, want 10", cfg.Sync.ProgressDebounceSeconds)
	}
	if !cfg.Sync.DryRun {
		t.Error("dry_run should be true")
	}
	// Defaults survive where the file is silent.
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want default 5", cfg.Sync.MaxRetries)
	}
	if cfg.Database.JournalMode != "WAL" {
		t.Errorf("journal_mode = %q, want default WAL", cfg.Database.JournalMode)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if got := cfg.PathPolicyFor("/media/movies/a.mkv"); got == nil || got.AbsentRetryCount != 3 {
		t.Errorf("path policy not loaded: %+v", got)
	}
}

func TestLoadFileEnvOverride(t *testing.T) {
	t.Setenv("SYNC_MAX_RETRIES", "9")
	t.Setenv("LOG_LEVEL", "debug")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
servers:
  - name: alpha
    url: http://alpha:8096
    api_key: key-a
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Sync.MaxRetries != 9 {
		t.Errorf("max_retries = %d, want env override 9", cfg.Sync.MaxRetries)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestOtherServers(t *testing.T) {
	cfg := validConfig()
	targets := cfg.OtherServers("alpha")
	if len(targets) != 1 || targets[0].Name != "beta" {
		t.Errorf("OtherServers(alpha) = %+v, want [beta]", targets)
	}
	if got, ok := cfg.GetServer("beta"); !ok || got.URL != "http://beta:8096" {
		t.Errorf("GetServer(beta) = %+v, %v", got, ok)
	}
	if _, ok := cfg.GetServer("missing"); ok {
		t.Error("GetServer(missing) should report not found")
	}
}
