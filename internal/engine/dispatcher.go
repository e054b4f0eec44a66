// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/metrics"
	"github.com/tomtom215/jellysync/internal/models"
)

// HandleWebhook is the producer side: it parses one webhook from
// sourceServer, suppresses cooldown echoes, and fans the surviving
// events out to every other server as durable queue rows. Returns the
// number of rows enqueued.
func (e *Engine) HandleWebhook(ctx context.Context, sourceServer string, payload *models.WebhookPayload) (int, error) {
	logging.Debug().
		Str("component", "engine").
		Str("server", sourceServer).
		Str("event", payload.Event).
		Str("user", payload.Username).
		Str("item", payload.ItemName).
		Str("path", payload.ItemPath).
		Msg("webhook received")

	e.cooldowns.Cleanup()

	if payload.UserID != "" {
		if err := e.store.UpsertUserMapping(ctx, payload.Username, sourceServer, payload.UserID); err != nil {
			return 0, err
		}
	}

	// Some plugin configurations omit the file path from the envelope.
	// Without it the worker cannot resolve the item on a peer, so fetch
	// the path and provider IDs from the source server up front.
	if payload.ItemPath == "" && payload.ItemID != "" && payload.UserID != "" {
		if client, ok := e.clients[sourceServer]; ok {
			item, err := client.GetItemInfo(ctx, payload.UserID, payload.ItemID)
			if err != nil {
				logging.Debug().
					Str("component", "engine").
					Str("server", sourceServer).
					Str("item_id", payload.ItemID).
					Err(err).
					Msg("item enrichment failed, relying on provider IDs")
			} else if item != nil {
				payload.ItemPath = item.Path
				if payload.ProviderIMDB == "" {
					payload.ProviderIMDB = item.ProviderIDs["Imdb"]
				}
				if payload.ProviderTMDB == "" {
					payload.ProviderTMDB = item.ProviderIDs["Tmdb"]
				}
				if payload.ProviderTVDB == "" {
					payload.ProviderTVDB = item.ProviderIDs["Tvdb"]
				}
			}
		}
	}

	events := e.parseWebhook(payload, sourceServer)

	// Drop events we recently synced TO this server; the webhook is
	// our own write echoing back.
	filtered := events[:0]
	for _, ev := range events {
		if e.cooldowns.InCooldown(sourceServer, payload.Username, payload.ItemPath,
			payload.ProviderIMDB, payload.ProviderTMDB, payload.ProviderTVDB, ev.Type) {
			metrics.EventsSuppressed.WithLabelValues("cooldown").Inc()
			logging.Debug().
				Str("component", "engine").
				Str("server", sourceServer).
				Str("item", payload.ItemName).
				Str("event_type", string(ev.Type)).
				Msg("event in cooldown, suppressing sync loop")
			continue
		}
		filtered = append(filtered, ev)
	}

	if len(filtered) == 0 {
		return 0, nil
	}

	targets := e.cfg.OtherServers(sourceServer)

	enqueued := 0
	for _, ev := range filtered {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return enqueued, fmt.Errorf("failed to encode event data: %w", err)
		}
		for _, target := range targets {
			dup, err := e.store.HasPendingEvent(ctx, ev.Type, target.Name, payload.Username, payload.ItemID)
			if err != nil {
				return enqueued, err
			}
			if dup {
				metrics.EventsSuppressed.WithLabelValues("duplicate").Inc()
				logging.Debug().
					Str("component", "engine").
					Str("event_type", string(ev.Type)).
					Str("item", payload.ItemName).
					Str("target", target.Name).
					Msg("skipping duplicate event")
				continue
			}

			pending := &models.PendingEvent{
				EventType:    ev.Type,
				SourceServer: sourceServer,
				TargetServer: target.Name,
				Username:     payload.Username,
				UserID:       payload.UserID,
				ItemID:       payload.ItemID,
				ItemName:     payload.ItemName,
				ItemPath:     payload.ItemPath,
				ProviderIMDB: payload.ProviderIMDB,
				ProviderTMDB: payload.ProviderTMDB,
				ProviderTVDB: payload.ProviderTVDB,
				EventData:    string(data),
				MaxRetries:   e.cfg.Sync.MaxRetries,
			}
			if _, err := e.store.EnqueueEvent(ctx, pending); err != nil {
				return enqueued, err
			}
			metrics.EventsEnqueued.WithLabelValues(string(ev.Type), target.Name).Inc()
			enqueued++
		}
	}

	logging.Debug().
		Str("component", "engine").
		Str("server", sourceServer).
		Str("event", payload.Event).
		Str("user", payload.Username).
		Int("enqueued", enqueued).
		Msg("events enqueued")
	return enqueued, nil
}

// HandleUserLifecycle propagates user creation and deletion to the
// other servers. Creation only reaches passwordless peers: there is no
// way to invent a password for a peer that requires one.
func (e *Engine) HandleUserLifecycle(ctx context.Context, sourceServer string, payload *models.WebhookPayload) (int, error) {
	if payload.Username == "" {
		return 0, nil
	}

	switch payload.Event {
	case models.NotificationUserCreated:
		if payload.UserID != "" {
			if err := e.store.UpsertUserMapping(ctx, payload.Username, sourceServer, payload.UserID); err != nil {
				return 0, err
			}
		}

		created := 0
		for _, target := range e.cfg.OtherServers(sourceServer) {
			if !target.Passwordless {
				logging.Warn().
					Str("component", "engine").
					Str("server", target.Name).
					Str("username", payload.Username).
					Msg("not creating user on peer that requires a password")
				continue
			}
			client, ok := e.clients[target.Name]
			if !ok {
				continue
			}
			user, err := client.CreateUser(ctx, payload.Username, "")
			if err != nil {
				logging.Error().
					Str("component", "engine").
					Str("server", target.Name).
					Str("username", payload.Username).
					Err(err).
					Msg("failed to create user")
				continue
			}
			if user != nil {
				if err := e.store.UpsertUserMapping(ctx, payload.Username, target.Name, user.ID); err != nil {
					return created, err
				}
				created++
			}
		}
		return created, nil

	case models.NotificationUserDeleted:
		deleted := 0
		for _, target := range e.cfg.OtherServers(sourceServer) {
			mapping, err := e.store.GetUserMapping(ctx, payload.Username, target.Name)
			if err != nil {
				return deleted, err
			}
			if mapping == nil {
				continue
			}
			client, ok := e.clients[target.Name]
			if ok {
				if err := client.DeleteUser(ctx, mapping.JellyfinUserID); err != nil {
					logging.Error().
						Str("component", "engine").
						Str("server", target.Name).
						Str("username", payload.Username).
						Err(err).
						Msg("failed to delete user")
					continue
				}
			}
			if _, err := e.store.DeleteUserMapping(ctx, payload.Username, target.Name); err != nil {
				return deleted, err
			}
			deleted++
		}
		if _, err := e.store.DeleteUserMapping(ctx, payload.Username, sourceServer); err != nil {
			return deleted, err
		}
		return deleted, nil
	}

	return 0, nil
}
