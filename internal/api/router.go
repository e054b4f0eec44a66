// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/jellysync/internal/config"
	"github.com/tomtom215/jellysync/internal/engine"
)

// Router wires the sync engine to the HTTP surface.
type Router struct {
	cfg       *config.Config
	engine    *engine.Engine
	mw        *Middleware
	startTime time.Time
}

// NewRouter creates a router over the given engine.
func NewRouter(cfg *config.Config, eng *engine.Engine) *Router {
	mwConfig := DefaultMiddlewareConfig()
	mwConfig.CORSAllowedOrigins = cfg.Server.CORSAllowedOrigins
	if cfg.Server.RateLimitPerMinute > 0 {
		mwConfig.RateLimitRequests = cfg.Server.RateLimitPerMinute
	}

	return &Router{
		cfg:       cfg,
		engine:    eng,
		mw:        NewMiddleware(mwConfig),
		startTime: time.Now(),
	}
}

// Handler builds the full route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger())
	r.Use(rt.mw.CORS())

	// Webhook intake. Flat response shape per the webhook plugin contract,
	// no envelope. Rate limited per source IP.
	r.Route("/webhook", func(r chi.Router) {
		r.Use(rt.mw.RateLimit())
		r.Post("/{server}", rt.handleWebhook)
		r.Get("/test", rt.handleWebhookTest)
		r.Get("/queue", rt.handleWebhookQueue)
	})

	// Status API, read-mostly.
	r.Route("/api", func(r chi.Router) {
		r.Use(rt.mw.RateLimit())
		r.Get("/status", rt.handleStatus)
		r.Get("/servers", rt.handleServers)
		r.Get("/queue", rt.handleQueue)
		r.Get("/events/{status}", rt.handleEventsByStatus)
		r.Post("/events/{id}/retry", rt.handleEventRetry)
		r.Get("/sync-log", rt.handleSyncLog)
		r.Get("/users", rt.handleUsers)
	})

	// Probes and metrics are unlimited; monitoring polls them often.
	r.Get("/healthz", rt.handleHealthz)
	r.Get("/readyz", rt.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
