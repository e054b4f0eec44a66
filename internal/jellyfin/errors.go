// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package jellyfin

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a 404 from the peer, typically a deleted or
	// not-yet-imported item.
	ErrNotFound = errors.New("jellyfin: not found")

	// ErrUnauthorized reports a 401 or 403, usually a bad API key.
	ErrUnauthorized = errors.New("jellyfin: unauthorized")
)

// StatusError is any other non-2xx response from a peer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("jellyfin: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("jellyfin: unexpected status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a peer 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
