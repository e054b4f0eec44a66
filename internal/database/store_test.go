// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package database

import (
	"context"
	"testing"

	"github.com/tomtom215/jellysync/internal/models"
)

func TestUserMappingUpsertIsCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUserMapping(ctx, "Alice", "alpha", "u-1"); err != nil {
		t.Fatal(err)
	}

	m, err := s.GetUserMapping(ctx, "ALICE", "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("mapping not found")
	}
	if m.Username != "alice" || m.JellyfinUserID != "u-1" {
		t.Errorf("mapping = %+v", m)
	}

	// Upsert with a new id replaces, not duplicates.
	if err := s.UpsertUserMapping(ctx, "alice", "alpha", "u-2"); err != nil {
		t.Fatal(err)
	}
	n, _ := s.CountUserMappings(ctx)
	if n != 1 {
		t.Errorf("mappings = %d, want 1", n)
	}
	m, _ = s.GetUserMapping(ctx, "alice", "alpha")
	if m.JellyfinUserID != "u-2" {
		t.Errorf("JellyfinUserID = %q, want u-2", m.JellyfinUserID)
	}
}

func TestUserMappingDeleteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.UpsertUserMapping(ctx, "alice", "alpha", "u-1")
	_ = s.UpsertUserMapping(ctx, "alice", "beta", "u-2")
	_ = s.UpsertUserMapping(ctx, "bob", "alpha", "u-3")

	byUser, err := s.GetUserMappingsByUsername(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(byUser) != 2 {
		t.Errorf("alice mappings = %d, want 2", len(byUser))
	}

	all, err := s.GetAllUserMappings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all mappings = %d, want 3", len(all))
	}

	deleted, err := s.DeleteUserMapping(ctx, "Alice", "beta")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("expected deletion")
	}
	deleted, _ = s.DeleteUserMapping(ctx, "alice", "beta")
	if deleted {
		t.Error("second delete should be a no-op")
	}

	m, _ := s.GetUserMapping(ctx, "alice", "beta")
	if m != nil {
		t.Error("mapping should be gone")
	}
}

func TestItemPathCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.GetCachedItemID(ctx, "beta", "/movies/matrix.mkv")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("cold cache hit: %q", id)
	}

	if err := s.CacheItemPath(ctx, "beta", "/movies/matrix.mkv", "i-9", "The Matrix"); err != nil {
		t.Fatal(err)
	}
	id, _ = s.GetCachedItemID(ctx, "beta", "/movies/matrix.mkv")
	if id != "i-9" {
		t.Errorf("cache hit = %q, want i-9", id)
	}

	// Same path on another server is independent.
	id, _ = s.GetCachedItemID(ctx, "gamma", "/movies/matrix.mkv")
	if id != "" {
		t.Errorf("cross-server cache leak: %q", id)
	}

	// Upsert replaces the id.
	if err := s.CacheItemPath(ctx, "beta", "/movies/matrix.mkv", "i-10", "The Matrix"); err != nil {
		t.Fatal(err)
	}
	id, _ = s.GetCachedItemID(ctx, "beta", "/movies/matrix.mkv")
	if id != "i-10" {
		t.Errorf("cache after upsert = %q, want i-10", id)
	}

	n, err := s.InvalidateItemCache(ctx, "beta", "/movies/matrix.mkv")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("invalidated %d, want 1", n)
	}
	id, _ = s.GetCachedItemID(ctx, "beta", "/movies/matrix.mkv")
	if id != "" {
		t.Errorf("entry survived invalidation: %q", id)
	}
}

func TestItemPathCacheBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	items := []CachedItem{
		{Path: "/movies/a.mkv", ID: "i-1", Name: "A"},
		{Path: "/movies/b.mkv", ID: "i-2", Name: "B"},
		{Path: "/movies/c.mkv", ID: "i-3", Name: "C"},
	}
	n, err := s.CacheItemsBatch(ctx, "beta", items)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("cached %d, want 3", n)
	}

	counts, err := s.CountItemCache(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["beta"] != 3 {
		t.Errorf("beta count = %d", counts["beta"])
	}

	// Whole-server invalidation.
	deleted, err := s.InvalidateItemCache(ctx, "beta", "")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 3 {
		t.Errorf("invalidated %d, want 3", deleted)
	}

	if n, _ := s.CacheItemsBatch(ctx, "beta", nil); n != 0 {
		t.Errorf("empty batch cached %d", n)
	}
}

func TestSyncLogFiltersAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []models.SyncLogEntry{
		{EventType: models.EventWatched, SourceServer: "alpha", TargetServer: "beta", Username: "alice", ItemID: "i-1", ItemName: "The Matrix", Success: true, Message: "Synced successfully"},
		{EventType: models.EventProgress, SourceServer: "alpha", TargetServer: "gamma", Username: "alice", ItemID: "i-1", ItemName: "The Matrix", Success: true, Message: "Synced successfully"},
		{EventType: models.EventWatched, SourceServer: "beta", TargetServer: "alpha", Username: "bob", ItemID: "i-2", ItemName: "Blade Runner", Success: false, Message: "Failed after 5 retries: timeout"},
	}
	for i := range entries {
		if err := s.LogSync(ctx, &entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, total, err := s.GetRecentSyncLog(ctx, SyncLogFilter{Limit: 10, SourceServer: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(got) != 2 {
		t.Errorf("source filter: total=%d len=%d", total, len(got))
	}

	got, total, _ = s.GetRecentSyncLog(ctx, SyncLogFilter{Limit: 10, EventType: "watched"})
	if total != 2 {
		t.Errorf("event_type filter: total=%d", total)
	}

	got, total, _ = s.GetRecentSyncLog(ctx, SyncLogFilter{Limit: 10, ItemName: "Blade"})
	if total != 1 || got[0].Username != "bob" {
		t.Errorf("item_name filter: total=%d got=%+v", total, got)
	}

	got, total, _ = s.GetRecentSyncLog(ctx, SyncLogFilter{Limit: 1, Offset: 1})
	if total != 3 || len(got) != 1 {
		t.Errorf("pagination: total=%d len=%d", total, len(got))
	}

	got, total, _ = s.GetRecentSyncLog(ctx, SyncLogFilter{Limit: 10, SinceMinutes: 60})
	if total != 3 {
		t.Errorf("since filter should include fresh rows: total=%d", total)
	}

	stats, err := s.GetSyncStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Successful != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastSyncAt == nil {
		t.Error("LastSyncAt not set")
	}

	n, _ := s.CountSyncLog(ctx)
	if n != 3 {
		t.Errorf("log count = %d", n)
	}
}

func TestStoreSizeAndPing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if s.Size() <= 0 {
		t.Error("expected non-zero database size")
	}
}
