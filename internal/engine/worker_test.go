// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/jellysync/internal/config"
	"github.com/tomtom215/jellysync/internal/database"
	"github.com/tomtom215/jellysync/internal/jellyfin"
	"github.com/tomtom215/jellysync/internal/models"
)

func TestProcessPendingCompletesAndLogs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	beta := env.peers["beta"]
	beta.addUser("ub-1", "alice")
	beta.addItem(&jellyfin.Item{ID: "ib-1", Path: "/movies/matrix.mkv"})

	watchedEvent(t, env)

	n, err := env.engine.ProcessPendingEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	// Completed rows leave the queue; the audit log keeps the outcome.
	counts, _ := env.store.CountQueue(ctx)
	if counts.Pending != 0 || counts.Processing != 0 {
		t.Errorf("queue counts = %+v, want empty", counts)
	}
	entries, total, err := env.store.GetRecentSyncLog(ctx, database.SyncLogFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("log entries = %d, want 1", total)
	}
	if !entries[0].Success || entries[0].SyncedValue != "played=true" {
		t.Errorf("log entry = %+v", entries[0])
	}
}

func TestProcessPendingFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.peers["beta"].failWith = errors.New("connection refused")

	event := watchedEvent(t, env)

	n, err := env.engine.ProcessPendingEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("processed = %d, want 0", n)
	}

	// The row is back in pending with a backoff, not deleted.
	rows, err := env.store.GetEventsByStatus(ctx, models.StatusPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	var row *models.PendingEvent
	for i := range rows {
		if rows[i].ID == event.ID {
			row = &rows[i]
		}
	}
	if row == nil {
		t.Fatal("event gone from queue")
	}
	if row.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", row.RetryCount)
	}
	if !strings.Contains(row.LastError, "connection refused") {
		t.Errorf("last error = %q", row.LastError)
	}
	if row.NextRetryAt == nil {
		t.Fatal("no retry scheduled")
	}
	delay := time.Until(*row.NextRetryAt)
	if delay < 15*time.Second || delay > 25*time.Second {
		t.Errorf("first backoff = %v, want about 20s", delay)
	}

	// Not eligible again until the backoff elapses.
	pending, _ := env.store.GetPendingEvents(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("backed-off event claimable: %+v", pending)
	}
}

func TestProcessPendingParksAbsentItem(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.PathSyncPolicy = []config.PathPolicy{
			{Prefix: "/movies", AbsentRetryCount: -1, RetryDelaySeconds: 300},
		}
	})
	ctx := context.Background()
	env.peers["beta"].addUser("ub-1", "alice")
	env.peers["gamma"].addUser("ug-1", "alice")

	if _, err := env.engine.HandleWebhook(ctx, "alpha", stopPayload()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.ProcessPendingEvents(ctx); err != nil {
		t.Fatal(err)
	}

	// Both targets lack the item: both rows wait, none is completed or
	// deleted out from under the retry schedule.
	counts, _ := env.store.CountQueue(ctx)
	if counts.WaitingForItem != 2 {
		t.Errorf("waiting = %d, want 2", counts.WaitingForItem)
	}
	if counts.Pending != 0 || counts.Processing != 0 {
		t.Errorf("counts = %+v", counts)
	}

	// Not picked up again before the retry delay.
	waiting, _ := env.store.GetWaitingEvents(ctx, 10)
	if len(waiting) != 0 {
		t.Errorf("parked events claimable early: %d", len(waiting))
	}
}

func TestWaitingEventSyncsOnceItemAppears(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.PathSyncPolicy = []config.PathPolicy{
			{Prefix: "/movies", AbsentRetryCount: -1, RetryDelaySeconds: 1},
		}
	})
	ctx := context.Background()
	beta := env.peers["beta"]
	beta.addUser("ub-1", "alice")

	watchedEvent(t, env)
	if _, err := env.engine.ProcessPendingEvents(ctx); err != nil {
		t.Fatal(err)
	}

	// The item gets imported on beta; wait out the retry delay.
	beta.addItem(&jellyfin.Item{ID: "ib-1", Path: "/movies/matrix.mkv"})
	time.Sleep(1500 * time.Millisecond)

	n, err := env.engine.ProcessWaitingEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	counts, _ := env.store.CountQueue(ctx)
	if counts.WaitingForItem != 0 || counts.Pending != 0 {
		t.Errorf("counts = %+v, want drained", counts)
	}
	if calls := beta.recorded(); len(calls) != 1 || calls[0] != "SetPlayed(ub-1,ib-1,true)" {
		t.Errorf("calls = %v", calls)
	}
}

func TestRunWorkerDrainsQueueAndStops(t *testing.T) {
	env := newTestEnv(t, nil)
	beta := env.peers["beta"]
	beta.addUser("ub-1", "alice")
	beta.addItem(&jellyfin.Item{ID: "ib-1", Path: "/movies/matrix.mkv"})

	watchedEvent(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.RunWorker(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		counts, _ := env.store.CountQueue(context.Background())
		if counts.Pending == 0 && counts.Processing == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not drain the queue")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("worker returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
