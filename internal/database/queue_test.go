// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/jellysync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Options{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		JournalMode: "WAL",
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent() *models.PendingEvent {
	return &models.PendingEvent{
		EventType:    models.EventWatched,
		SourceServer: "alpha",
		TargetServer: "beta",
		Username:     "alice",
		UserID:       "u-1",
		ItemID:       "i-1",
		ItemName:     "The Matrix",
		ItemPath:     "/movies/matrix.mkv",
		EventData:    `{"is_played":true}`,
		MaxRetries:   5,
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	events, err := s.GetPendingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("pending = %d, want 1", len(events))
	}
	e := events[0]
	if e.EventType != models.EventWatched || e.Status != models.StatusPending {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.ItemPath != "/movies/matrix.mkv" {
		t.Errorf("ItemPath = %q", e.ItemPath)
	}
	if e.EventData != `{"is_played":true}` {
		t.Errorf("EventData = %q", e.EventData)
	}
	if e.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d", e.MaxRetries)
	}
}

func TestDedupCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dup, err := s.HasPendingEvent(ctx, models.EventWatched, "beta", "alice", "i-1")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("empty queue should not report a duplicate")
	}

	if _, err := s.EnqueueEvent(ctx, testEvent()); err != nil {
		t.Fatal(err)
	}

	dup, err = s.HasPendingEvent(ctx, models.EventWatched, "beta", "alice", "i-1")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("pending row should count as duplicate")
	}

	// Different target server is a distinct key.
	dup, err = s.HasPendingEvent(ctx, models.EventWatched, "gamma", "alice", "i-1")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("different target should not be a duplicate")
	}

	// Processing and waiting rows still block re-enqueue.
	events, _ := s.GetPendingEvents(ctx, 1)
	if err := s.MarkEventProcessing(ctx, events[0].ID); err != nil {
		t.Fatal(err)
	}
	dup, _ = s.HasPendingEvent(ctx, models.EventWatched, "beta", "alice", "i-1")
	if !dup {
		t.Error("processing row should count as duplicate")
	}
}

func TestCompleteDeletesAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueEvent(ctx, testEvent())
	if err := s.CompleteEvent(ctx, id, "played=true"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	counts, err := s.CountQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 || counts.Processing != 0 {
		t.Errorf("queue not empty after complete: %+v", counts)
	}

	entries, total, err := s.GetRecentSyncLog(ctx, SyncLogFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("sync log total = %d, entries = %d", total, len(entries))
	}
	if !entries[0].Success || entries[0].SyncedValue != "played=true" {
		t.Errorf("unexpected log entry: %+v", entries[0])
	}
	if entries[0].Message != "Synced successfully" {
		t.Errorf("Message = %q", entries[0].Message)
	}
}

func TestFailBackoffMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueEvent(ctx, testEvent())

	wantBackoffs := []time.Duration{20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, want := range wantBackoffs {
		before := time.Now()
		if err := s.FailEvent(ctx, id, "connection refused"); err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}

		events, err := s.GetEventsByStatus(ctx, models.StatusPending, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 {
			t.Fatalf("fail %d: pending = %d, want 1 (no early deletion)", i+1, len(events))
		}
		e := events[0]
		if e.RetryCount != i+1 {
			t.Errorf("fail %d: retry_count = %d", i+1, e.RetryCount)
		}
		if e.NextRetryAt == nil {
			t.Fatalf("fail %d: next_retry_at not set", i+1)
		}
		gap := e.NextRetryAt.Sub(before)
		if gap < want-3*time.Second || gap > want+3*time.Second {
			t.Errorf("fail %d: backoff = %v, want ≈%v", i+1, gap, want)
		}
		if e.LastError != "connection refused" {
			t.Errorf("fail %d: last_error = %q", i+1, e.LastError)
		}
	}

	// A future next_retry_at keeps the row out of the claimable set.
	events, err := s.GetPendingEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("backed-off event should not be claimable, got %d", len(events))
	}
}

func TestFailExhaustionDeletesAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := testEvent()
	e.MaxRetries = 2
	id, _ := s.EnqueueEvent(ctx, e)

	if err := s.FailEvent(ctx, id, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.FailEvent(ctx, id, "boom again"); err != nil {
		t.Fatal(err)
	}

	counts, _ := s.CountQueue(ctx)
	if counts.Pending+counts.Processing+counts.Failed != 0 {
		t.Errorf("row should be deleted at retry_count == max_retries: %+v", counts)
	}

	entries, _, err := s.GetRecentSyncLog(ctx, SyncLogFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("sync log entries = %d, want 1", len(entries))
	}
	if entries[0].Success {
		t.Error("failure entry should have success=false")
	}
	if entries[0].Message != "Failed after 2 retries: boom again" {
		t.Errorf("Message = %q", entries[0].Message)
	}
}

func TestWaitingForItemFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueEvent(ctx, testEvent())
	if err := s.MarkEventProcessing(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkEventWaitingForItem(ctx, id, -1, 300*time.Second, "Item 'The Matrix' not found on beta (attempt 1/∞)"); err != nil {
		t.Fatal(err)
	}

	events, err := s.GetEventsByStatus(ctx, models.StatusWaitingForItem, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("waiting = %d, want 1", len(events))
	}
	e := events[0]
	if e.ItemNotFoundCount != 1 || e.ItemNotFoundMax != -1 {
		t.Errorf("not-found bookkeeping: count=%d max=%d", e.ItemNotFoundCount, e.ItemNotFoundMax)
	}
	if e.NextRetryAt == nil {
		t.Fatal("next_retry_at not set")
	}
	gap := time.Until(*e.NextRetryAt)
	if gap < 295*time.Second || gap > 305*time.Second {
		t.Errorf("next_retry_at gap = %v, want ≈300s", gap)
	}
	// Retry counter untouched: waiting is not a failure.
	if e.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", e.RetryCount)
	}

	// Not claimable until the delay passes.
	claimable, err := s.GetWaitingEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimable) != 0 {
		t.Errorf("waiting event should not be claimable yet, got %d", len(claimable))
	}
}

func TestResetStaleProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueEvent(ctx, testEvent())
	if err := s.MarkEventProcessing(ctx, id); err != nil {
		t.Fatal(err)
	}

	// A freshly claimed row is not stale.
	n, err := s.ResetStaleProcessing(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reset %d fresh rows, want 0", n)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE pending_events SET updated_at = '2000-01-01 00:00:00' WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}

	n, err = s.ResetStaleProcessing(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d stale rows, want 1", n)
	}

	counts, _ := s.CountQueue(ctx)
	if counts.Pending != 1 || counts.Processing != 0 {
		t.Errorf("after reset: %+v", counts)
	}
}

func TestResetAllProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]int64, 3)
	for i := range ids {
		e := testEvent()
		e.ItemID = e.ItemID + string(rune('a'+i))
		id, _ := s.EnqueueEvent(ctx, e)
		ids[i] = id
	}
	_ = s.MarkEventProcessing(ctx, ids[0])
	_ = s.MarkEventProcessing(ctx, ids[1])

	n, err := s.ResetAllProcessing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reset %d rows, want 2", n)
	}

	counts, _ := s.CountQueue(ctx)
	if counts.Processing != 0 {
		t.Errorf("processing = %d after reset", counts.Processing)
	}
	if counts.Pending != 3 {
		t.Errorf("pending = %d, want 3 (pre-crash pending + processing)", counts.Pending)
	}
}

func TestResetEventForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.EnqueueEvent(ctx, testEvent())

	// Only failed rows are eligible.
	ok, err := s.ResetEventForRetry(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("pending row should not be re-queued")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE pending_events SET status = 'failed', retry_count = 4 WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}

	ok, err = s.ResetEventForRetry(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("failed row should be re-queued")
	}

	events, _ := s.GetPendingEvents(ctx, 10)
	if len(events) != 1 {
		t.Fatalf("pending = %d", len(events))
	}
	if events[0].RetryCount != 0 || events[0].NextRetryAt != nil {
		t.Errorf("retry bookkeeping not cleared: %+v", events[0])
	}
}

func TestClaimFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := testEvent()
		e.ItemID = e.ItemID + string(rune('a'+i))
		if _, err := s.EnqueueEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.GetPendingEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("pending = %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID < events[i-1].ID {
			t.Errorf("claim order not FIFO: %d before %d", events[i-1].ID, events[i].ID)
		}
	}
}
