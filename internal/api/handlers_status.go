// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/jellysync/internal/database"
	"github.com/tomtom215/jellysync/internal/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// statusResponse is the rollup returned by GET /api/status.
type statusResponse struct {
	Healthy           bool                 `json:"healthy"`
	UptimeSeconds     int64                `json:"uptime_seconds"`
	Servers           map[string]bool      `json:"servers"`
	Queue             database.QueueCounts `json:"queue"`
	SyncStats         database.SyncStats   `json:"sync_stats"`
	DatabaseSizeBytes int64                `json:"database_size_bytes"`
	DryRun            bool                 `json:"dry_run"`
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	counts, err := rt.engine.Store().CountQueue(ctx)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}
	stats, err := rt.engine.Store().GetSyncStats(ctx)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}

	servers := rt.engine.HealthCheckAll(ctx)
	healthy := false
	for _, up := range servers {
		if up {
			healthy = true
			break
		}
	}

	rw.Success(statusResponse{
		Healthy:           healthy,
		UptimeSeconds:     int64(time.Since(rt.startTime).Seconds()),
		Servers:           servers,
		Queue:             counts,
		SyncStats:         stats,
		DatabaseSizeBytes: rt.engine.Store().Size(),
		DryRun:            rt.cfg.Sync.DryRun,
	})
}

// serverStatus is one row of GET /api/servers.
type serverStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Version   string `json:"version,omitempty"`
}

func (rt *Router) handleServers(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	health := rt.engine.HealthCheckAll(ctx)
	versions := rt.engine.ServerVersions(ctx)

	out := make([]serverStatus, 0, len(rt.cfg.Servers))
	for _, s := range rt.cfg.Servers {
		out = append(out, serverStatus{
			Name:      s.Name,
			URL:       s.URL,
			Reachable: health[s.Name],
			Version:   versions[s.Name],
		})
	}
	rw.Success(out)
}

// queueResponse combines queue depth with the caches that feed it.
type queueResponse struct {
	Queue        database.QueueCounts `json:"queue"`
	ItemCache    map[string]int       `json:"item_cache"`
	UserMappings int                  `json:"user_mappings"`
}

func (rt *Router) handleQueue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	counts, err := rt.engine.Store().CountQueue(ctx)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}
	cache, err := rt.engine.Store().CountItemCache(ctx)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}
	mappings, err := rt.engine.Store().CountUserMappings(ctx)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}

	rw.Success(queueResponse{
		Queue:        counts,
		ItemCache:    cache,
		UserMappings: mappings,
	})
}

// eventStatuses maps the URL segment to the queue state it exposes.
var eventStatuses = map[string]models.EventStatus{
	"pending":    models.StatusPending,
	"processing": models.StatusProcessing,
	"waiting":    models.StatusWaitingForItem,
	"failed":     models.StatusFailed,
}

func (rt *Router) handleEventsByStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status, ok := eventStatuses[chi.URLParam(r, "status")]
	if !ok {
		rw.NotFound("unknown event status")
		return
	}
	limit := queryInt(r, "limit", defaultPageLimit)

	events, err := rt.engine.Store().GetEventsByStatus(r.Context(), status, limit)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}
	rw.SuccessWithPagination(events, &PaginationMeta{
		Count:   len(events),
		Limit:   limit,
		HasMore: len(events) == limit,
	})
}

func (rt *Router) handleEventRetry(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		rw.BadRequest("invalid event id")
		return
	}

	reset, err := rt.engine.Store().ResetEventForRetry(r.Context(), id)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}
	if !reset {
		rw.NotFound("event not found")
		return
	}
	rw.Success(map[string]interface{}{"id": id, "status": models.StatusPending})
}

func (rt *Router) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	filter := database.SyncLogFilter{
		Limit:        queryInt(r, "limit", defaultPageLimit),
		Offset:       queryInt(r, "offset", 0),
		SinceMinutes: queryInt(r, "since_minutes", 0),
		SourceServer: r.URL.Query().Get("source"),
		TargetServer: r.URL.Query().Get("target"),
		EventType:    r.URL.Query().Get("event_type"),
		ItemName:     r.URL.Query().Get("item_name"),
	}

	entries, total, err := rt.engine.Store().GetRecentSyncLog(r.Context(), filter)
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}
	rw.SuccessWithPagination(entries, &PaginationMeta{
		Total:   total,
		Count:   len(entries),
		Offset:  filter.Offset,
		Limit:   filter.Limit,
		HasMore: filter.Offset+len(entries) < total,
	})
}

// handleUsers returns the mapping matrix: username -> server -> user ID.
func (rt *Router) handleUsers(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	mappings, err := rt.engine.Store().GetAllUserMappings(r.Context())
	if err != nil {
		rw.DatabaseError(err.Error())
		return
	}

	matrix := make(map[string]map[string]string)
	for _, m := range mappings {
		if matrix[m.Username] == nil {
			matrix[m.Username] = make(map[string]string)
		}
		matrix[m.Username][m.ServerName] = m.JellyfinUserID
	}
	rw.Success(matrix)
}

// queryInt parses a non-negative integer query parameter. Missing or
// malformed values fall back to def; "limit" is capped at maxPageLimit.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if name == "limit" && n > maxPageLimit {
		return maxPageLimit
	}
	return n
}
