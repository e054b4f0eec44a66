// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package api

import (
	"net/http"
)

// handleHealthz is the liveness probe: the process is up and serving.
func (rt *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeFlatJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is the readiness probe: the database answers and at least
// one peer is reachable. With no peer up there is nowhere to sync to, so
// the instance should be taken out of rotation rather than accept
// webhooks it cannot act on. Queued rows survive either way.
func (rt *Router) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := rt.engine.Store().Ping(ctx); err != nil {
		writeFlatJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "database unreachable",
		})
		return
	}

	servers := rt.engine.HealthCheckAll(ctx)
	for _, up := range servers {
		if up {
			writeFlatJSON(w, http.StatusOK, map[string]interface{}{
				"status":  "ok",
				"servers": servers,
			})
			return
		}
	}

	writeFlatJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status":  "unavailable",
		"reason":  "no peer reachable",
		"servers": servers,
	})
}
