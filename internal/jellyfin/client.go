// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

/*
client.go - Jellyfin REST API Client

This file implements a REST API client for a single Jellyfin peer.
It provides user, item lookup, and user-data mutation operations.

API Reference: https://api.jellyfin.org/
*/

package jellyfin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tomtom215/jellysync/internal/config"
	"github.com/tomtom215/jellysync/internal/metrics"
)

const (
	clientName    = "JellySync"
	clientVersion = "1.0.0"

	requestTimeout = 30 * time.Second
	connectTimeout = 10 * time.Second

	maxConnsPerHost     = 20
	maxIdleConnsPerHost = 10

	// Full library refreshes are expensive. One per window per peer.
	refreshInterval = 30 * time.Second
)

// deviceID is stable across restarts so peers see one device, not a
// new phantom session per process.
var deviceID = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("jellysync.local")).String()

// Client provides access to one Jellyfin peer's REST API.
type Client struct {
	name       string
	baseURL    string
	authHeader string
	httpClient *http.Client

	adminMu     sync.Mutex
	adminUserID string

	refreshMu      sync.Mutex
	refreshLimiter *rate.Limiter
}

// NewClient creates a client for the given peer.
func NewClient(server config.ServerEntry) *Client {
	// The MediaBrowser header form keeps the dashboard free of
	// phantom playback sessions, unlike a bare X-Emby-Token.
	authHeader := fmt.Sprintf(
		`MediaBrowser Client=%q, Device=%q, DeviceId=%q, Version=%q, Token=%q`,
		clientName, clientName, deviceID, clientVersion, server.APIKey,
	)

	return &Client{
		name:       server.Name,
		baseURL:    strings.TrimSuffix(server.URL, "/"),
		authHeader: authHeader,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				MaxConnsPerHost:     maxConnsPerHost,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		refreshLimiter: rate.NewLimiter(rate.Every(refreshInterval), 1),
	}
}

// Name returns the configured peer name.
func (c *Client) Name() string {
	return c.name
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// do performs an authenticated request and maps non-2xx statuses onto
// the package error taxonomy. The caller owns the response body.
func (c *Client) do(ctx context.Context, op, method, endpoint string, query url.Values, body any) (*http.Response, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.PeerRequestDuration.WithLabelValues(c.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PeerRequestErrors.WithLabelValues(c.name, op).Inc()
		return nil, fmt.Errorf("request to %s failed: %w", c.name, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer func() { _ = resp.Body.Close() }()
	metrics.PeerRequestErrors.WithLabelValues(c.name, op).Inc()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s %s on %s: %w", method, endpoint, c.name, ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%s %s on %s: %w", method, endpoint, c.name, ErrUnauthorized)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
}

// doJSON performs a request and decodes the JSON response into out.
func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, query url.Values, body, out any) error {
	resp, err := c.do(ctx, op, method, endpoint, query, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response from %s: %w", endpoint, c.name, err)
	}
	return nil
}

// doDiscard performs a request and drops the response body. Most
// mutation endpoints return 204.
func (c *Client) doDiscard(ctx context.Context, op, method, endpoint string, query url.Values, body any) error {
	resp, err := c.do(ctx, op, method, endpoint, query, body)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
