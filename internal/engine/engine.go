// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

// Package engine turns incoming webhooks into durable queue rows and
// drains the queue against the other peers. The webhook handler is the
// producer, the worker loop is the consumer, and the pending_events
// table between them survives restarts.
package engine

import (
	"context"
	"sync"

	"github.com/tomtom215/jellysync/internal/config"
	"github.com/tomtom215/jellysync/internal/database"
	"github.com/tomtom215/jellysync/internal/jellyfin"
	"github.com/tomtom215/jellysync/internal/logging"
)

// Engine owns the sync pipeline state shared by the webhook handlers
// and the background worker.
type Engine struct {
	cfg       *config.Config
	store     *database.Store
	clients   map[string]jellyfin.API
	cooldowns *cooldownTracker
	debouncer *progressDebouncer
}

// New builds an engine with one circuit-breaker-protected client per
// configured server.
func New(cfg *config.Config, store *database.Store) *Engine {
	clients := make(map[string]jellyfin.API, len(cfg.Servers))
	for _, server := range cfg.Servers {
		clients[server.Name] = jellyfin.NewBreakerClient(server)
	}
	return NewWithClients(cfg, store, clients)
}

// NewWithClients builds an engine over pre-constructed peer clients.
func NewWithClients(cfg *config.Config, store *database.Store, clients map[string]jellyfin.API) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		clients:   clients,
		cooldowns: newCooldownTracker(syncCooldown),
		debouncer: newProgressDebouncer(cfg.Sync.ProgressDebounce()),
	}
}

// Close releases every peer client.
func (e *Engine) Close() {
	for _, client := range e.clients {
		client.Close()
	}
}

// Client returns the peer client for a configured server name.
func (e *Engine) Client(name string) (jellyfin.API, bool) {
	c, ok := e.clients[name]
	return c, ok
}

// Store exposes the backing store for the status API.
func (e *Engine) Store() *database.Store {
	return e.store
}

// SyncAllUsers discovers users on every peer and persists the
// username-to-ID mappings. Run at startup so the worker can resolve
// users without extra peer round trips.
func (e *Engine) SyncAllUsers(ctx context.Context) error {
	type serverUser struct {
		server string
		userID string
	}

	var (
		mu       sync.Mutex
		allUsers = make(map[string][]serverUser) // username -> per-server IDs
		wg       sync.WaitGroup
	)
	for _, server := range e.cfg.Servers {
		client, ok := e.clients[server.Name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, client jellyfin.API) {
			defer wg.Done()
			users, err := client.GetUsers(ctx)
			if err != nil {
				logging.Error().
					Str("component", "engine").
					Str("server", name).
					Err(err).
					Msg("failed to get users")
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, u := range users {
				if u.Name == "" || u.ID == "" {
					continue
				}
				allUsers[u.Name] = append(allUsers[u.Name], serverUser{server: name, userID: u.ID})
			}
		}(server.Name, client)
	}
	wg.Wait()

	for username, servers := range allUsers {
		for _, su := range servers {
			if err := e.store.UpsertUserMapping(ctx, username, su.server, su.userID); err != nil {
				return err
			}
		}
	}

	logging.Info().
		Str("component", "engine").
		Int("users", len(allUsers)).
		Msg("synced users across servers")
	return nil
}

// HealthCheckAll probes every peer in parallel.
func (e *Engine) HealthCheckAll(ctx context.Context) map[string]bool {
	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(e.clients))
		wg      sync.WaitGroup
	)
	for name, client := range e.clients {
		wg.Add(1)
		go func(name string, client jellyfin.API) {
			defer wg.Done()
			err := client.Health(ctx)
			mu.Lock()
			results[name] = err == nil
			mu.Unlock()
			if err != nil {
				logging.Warn().
					Str("component", "engine").
					Str("server", name).
					Err(err).
					Msg("health check failed")
			}
		}(name, client)
	}
	wg.Wait()
	return results
}

// ServerVersions fetches the Jellyfin version of every peer. A peer
// that cannot be reached maps to the empty string.
func (e *Engine) ServerVersions(ctx context.Context) map[string]string {
	var (
		mu      sync.Mutex
		results = make(map[string]string, len(e.clients))
		wg      sync.WaitGroup
	)
	for name, client := range e.clients {
		wg.Add(1)
		go func(name string, client jellyfin.API) {
			defer wg.Done()
			version := ""
			if info, err := client.ServerInfo(ctx); err == nil && info != nil {
				version = info.Version
			}
			mu.Lock()
			results[name] = version
			mu.Unlock()
		}(name, client)
	}
	wg.Wait()
	return results
}
