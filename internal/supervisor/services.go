// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tomtom215/jellysync/internal/logging"
)

// HTTPServer matches *http.Server's lifecycle methods, allowing tests to
// substitute a fake.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService wraps an HTTP server as a supervised service. It
// bridges ListenAndServe's blocking pattern to suture's context-aware
// Serve: the listener runs in a goroutine, and context cancellation
// triggers a graceful Shutdown with its own timeout.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService creates the HTTP server wrapper.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is the expected
// result of Shutdown and is not treated as a failure.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The serve context is canceled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer for suture's log messages.
func (h *HTTPServerService) String() string {
	return "http-server"
}

// QueueWorker matches the engine's worker loop.
type QueueWorker interface {
	RunWorker(ctx context.Context) error
}

// WorkerService supervises the queue worker loop. A worker crash is
// restarted by the supervisor without touching the HTTP intake; queued
// rows are recovered by the worker's own startup reset.
type WorkerService struct {
	worker QueueWorker
}

// NewWorkerService creates the worker wrapper.
func NewWorkerService(worker QueueWorker) *WorkerService {
	return &WorkerService{worker: worker}
}

// Serve implements suture.Service.
func (w *WorkerService) Serve(ctx context.Context) error {
	return w.worker.RunWorker(ctx)
}

// String implements fmt.Stringer for suture's log messages.
func (w *WorkerService) String() string {
	return "queue-worker"
}

// UserSyncer matches the engine's cross-server user reconciliation.
type UserSyncer interface {
	SyncAllUsers(ctx context.Context) error
}

// UserSyncService refreshes the user-mapping table on an interval, so
// users created directly on a peer (outside the webhook flow) still get
// mapped eventually.
type UserSyncService struct {
	syncer   UserSyncer
	interval time.Duration
}

// NewUserSyncService creates the periodic user sync wrapper.
func NewUserSyncService(syncer UserSyncer, interval time.Duration) *UserSyncService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &UserSyncService{syncer: syncer, interval: interval}
}

// Serve implements suture.Service. Sync failures are logged, not fatal:
// an unreachable peer must not put the service into a restart loop.
func (u *UserSyncService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := u.syncer.SyncAllUsers(ctx); err != nil {
				logging.Warn().
					Str("component", "supervisor").
					Err(err).
					Msg("periodic user sync failed")
			}
		}
	}
}

// String implements fmt.Stringer for suture's log messages.
func (u *UserSyncService) String() string {
	return "user-sync"
}
