// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/metrics"
	"github.com/tomtom215/jellysync/internal/models"
)

const (
	pendingBatchSize   = 100
	waitingBatchSize   = 50
	maxConcurrentSyncs = 5

	// An event stuck in processing this long belongs to a crashed run.
	staleProcessingAfter = 5 * time.Minute
)

// RunWorker drains the queue until ctx is canceled. Call once; the
// supervisor restarts it on failure.
func (e *Engine) RunWorker(ctx context.Context) error {
	// Rows left in processing by the previous run go back to pending.
	reset, err := e.store.ResetAllProcessing(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		logging.Info().
			Str("component", "worker").
			Int64("count", reset).
			Msg("reset events stuck in processing from previous run")
	}

	logging.Info().
		Str("component", "worker").
		Dur("interval", e.cfg.Sync.WorkerInterval()).
		Msg("sync worker started")

	ticker := time.NewTicker(e.cfg.Sync.WorkerInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("component", "worker").Msg("sync worker stopped")
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	stale, err := e.store.ResetStaleProcessing(ctx, staleProcessingAfter)
	if err != nil {
		logging.Error().Str("component", "worker").Err(err).Msg("failed to reset stale events")
	} else if stale > 0 {
		logging.Warn().
			Str("component", "worker").
			Int64("count", stale).
			Msg("reset stale processing events")
	}

	processed, err := e.ProcessPendingEvents(ctx)
	if err != nil {
		logging.Error().Str("component", "worker").Err(err).Msg("failed to process pending events")
	}
	waiting, err := e.ProcessWaitingEvents(ctx)
	if err != nil {
		logging.Error().Str("component", "worker").Err(err).Msg("failed to process waiting events")
	}
	if processed > 0 || waiting > 0 {
		logging.Debug().
			Str("component", "worker").
			Int("pending", processed).
			Int("waiting", waiting).
			Msg("processed events")
	}

	e.updateQueueMetrics(ctx)
}

// ProcessPendingEvents claims and executes one batch of pending rows.
// Returns the number that synced successfully.
func (e *Engine) ProcessPendingEvents(ctx context.Context) (int, error) {
	events, err := e.store.GetPendingEvents(ctx, pendingBatchSize)
	if err != nil {
		return 0, err
	}
	return e.processBatch(ctx, events)
}

// ProcessWaitingEvents retries rows whose items were absent at last
// attempt and whose retry delay has elapsed.
func (e *Engine) ProcessWaitingEvents(ctx context.Context) (int, error) {
	events, err := e.store.GetWaitingEvents(ctx, waitingBatchSize)
	if err != nil {
		return 0, err
	}
	return e.processBatch(ctx, events)
}

func (e *Engine) processBatch(ctx context.Context, events []models.PendingEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	// Claim the whole batch before touching the network so a second
	// tick cannot pick up the same rows.
	for i := range events {
		if err := e.store.MarkEventProcessing(ctx, events[i].ID); err != nil {
			return 0, err
		}
	}

	var (
		sem       = semaphore.NewWeighted(maxConcurrentSyncs)
		succeeded atomic.Int32
	)
	for i := range events {
		if err := sem.Acquire(ctx, 1); err != nil {
			return int(succeeded.Load()), err
		}
		go func(event *models.PendingEvent) {
			defer sem.Release(1)
			if e.processOne(ctx, event) {
				succeeded.Add(1)
			}
		}(&events[i])
	}
	if err := sem.Acquire(ctx, maxConcurrentSyncs); err != nil {
		return int(succeeded.Load()), err
	}
	return int(succeeded.Load()), nil
}

func (e *Engine) processOne(ctx context.Context, event *models.PendingEvent) bool {
	result := e.syncEvent(ctx, event)

	if result.Success {
		// A waiting result already re-parked the row; completing it
		// here would delete it out from under the retry schedule.
		if !strings.Contains(result.Message, msgWaitingForItem) {
			if err := e.store.CompleteEvent(ctx, event.ID, result.SyncedValue); err != nil {
				logging.Error().
					Str("component", "worker").
					Int64("event_id", event.ID).
					Err(err).
					Msg("failed to complete event")
				return false
			}
		}
		return true
	}

	logging.Warn().
		Str("component", "worker").
		Int64("event_id", event.ID).
		Str("event_type", string(event.EventType)).
		Str("target", event.TargetServer).
		Str("error", result.Message).
		Msg("sync failed")
	if err := e.store.FailEvent(ctx, event.ID, result.Message); err != nil {
		logging.Error().
			Str("component", "worker").
			Int64("event_id", event.ID).
			Err(err).
			Msg("failed to record event failure")
	}
	return false
}

func (e *Engine) updateQueueMetrics(ctx context.Context) {
	counts, err := e.store.CountQueue(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(string(models.StatusPending)).Set(float64(counts.Pending))
	metrics.QueueDepth.WithLabelValues(string(models.StatusProcessing)).Set(float64(counts.Processing))
	metrics.QueueDepth.WithLabelValues(string(models.StatusWaitingForItem)).Set(float64(counts.WaitingForItem))
	metrics.QueueDepth.WithLabelValues(string(models.StatusFailed)).Set(float64(counts.Failed))
	metrics.DatabaseSizeBytes.Set(float64(e.store.Size()))
}
