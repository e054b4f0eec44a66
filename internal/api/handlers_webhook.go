// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/metrics"
	"github.com/tomtom215/jellysync/internal/models"
)

// maxWebhookBody bounds the intake payload. Webhook plugin envelopes are a
// few KB; anything near the limit is not a webhook.
const maxWebhookBody = 1 << 20

// writeFlatJSON writes a bare JSON object without the APIResponse envelope.
// The webhook plugin contract predates the envelope and stays flat.
func writeFlatJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// handleWebhook is the intake for POST /webhook/{server}. The path segment
// names the peer the webhook plugin is installed on; it must match a
// configured server so we know which peer to exclude from fan-out.
func (rt *Router) handleWebhook(w http.ResponseWriter, r *http.Request) {
	serverName := chi.URLParam(r, "server")
	if _, ok := rt.cfg.GetServer(serverName); !ok {
		metrics.WebhooksReceived.WithLabelValues(serverName, "rejected").Inc()
		writeFlatJSON(w, http.StatusNotFound, map[string]string{
			"status": "error",
			"error":  fmt.Sprintf("Unknown server: %s", serverName),
		})
		return
	}

	var payload models.WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&payload); err != nil {
		metrics.WebhooksReceived.WithLabelValues(serverName, "rejected").Inc()
		log := logging.Ctx(r.Context())
		log.Warn().
			Err(err).
			Str("server", serverName).
			Msg("Rejected malformed webhook payload")
		writeFlatJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error",
			"error":  "Invalid webhook payload",
		})
		return
	}

	ctx := r.Context()

	switch payload.Event {
	case models.NotificationUserCreated, models.NotificationUserDeleted:
		n, err := rt.engine.HandleUserLifecycle(ctx, serverName, &payload)
		if err != nil {
			metrics.WebhooksReceived.WithLabelValues(serverName, "rejected").Inc()
			log := logging.Ctx(ctx)
			log.Error().Err(err).
				Str("server", serverName).
				Str("event", payload.Event).
				Msg("User lifecycle replication failed")
			writeFlatJSON(w, http.StatusInternalServerError, map[string]string{
				"status": "error",
				"error":  "internal error",
			})
			return
		}
		metrics.WebhooksReceived.WithLabelValues(serverName, "enqueued").Inc()
		writeFlatJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "ok",
			"servers_updated": n,
		})
		return
	}

	if payload.Username == "" {
		metrics.WebhooksReceived.WithLabelValues(serverName, "skipped").Inc()
		writeFlatJSON(w, http.StatusOK, map[string]string{
			"status": "skipped",
			"reason": "no username",
		})
		return
	}

	n, err := rt.engine.HandleWebhook(ctx, serverName, &payload)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(serverName, "rejected").Inc()
		log := logging.Ctx(ctx)
		log.Error().Err(err).
			Str("server", serverName).
			Str("event", payload.Event).
			Msg("Webhook dispatch failed")
		writeFlatJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "internal error",
		})
		return
	}

	outcome := "enqueued"
	if n == 0 {
		outcome = "skipped"
	}
	metrics.WebhooksReceived.WithLabelValues(serverName, outcome).Inc()

	writeFlatJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "enqueued",
		"events_enqueued": n,
	})
}

// handleWebhookTest lets the webhook plugin's "test" button verify
// connectivity without side effects.
func (rt *Router) handleWebhookTest(w http.ResponseWriter, _ *http.Request) {
	writeFlatJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Webhook receiver is running",
	})
}

// handleWebhookQueue is a flat queue snapshot for quick curl checks.
func (rt *Router) handleWebhookQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := rt.engine.Store().CountQueue(r.Context())
	if err != nil {
		writeFlatJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  "internal error",
		})
		return
	}
	writeFlatJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"queue":  counts,
	})
}
