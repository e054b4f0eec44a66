// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package jellyfin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tomtom215/jellysync/internal/logging"
)

// User is a Jellyfin account on a peer.
type User struct {
	ID     string     `json:"Id"`
	Name   string     `json:"Name"`
	Policy UserPolicy `json:"Policy"`
}

// UserPolicy carries the subset of the account policy we read.
type UserPolicy struct {
	IsAdministrator bool `json:"IsAdministrator"`
}

// GetUsers retrieves all users from the peer.
func (c *Client) GetUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.doJSON(ctx, "get_users", http.MethodGet, "/Users", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUserByName finds a user by name, case-insensitively. Returns nil
// when no user matches.
func (c *Client) GetUserByName(ctx context.Context, username string) (*User, error) {
	users, err := c.GetUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if strings.EqualFold(users[i].Name, username) {
			return &users[i], nil
		}
	}
	return nil, nil
}

// GetUserID resolves a username to the peer's user ID. Empty string
// when the user does not exist.
func (c *Client) GetUserID(ctx context.Context, username string) (string, error) {
	user, err := c.GetUserByName(ctx, username)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", nil
	}
	return user.ID, nil
}

// AdminUserID returns a cached administrator user ID. Item lookups via
// /Users/{id}/Items need a user context with access to every library.
func (c *Client) AdminUserID(ctx context.Context) (string, error) {
	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	if c.adminUserID != "" {
		return c.adminUserID, nil
	}

	users, err := c.GetUsers(ctx)
	if err != nil {
		return "", err
	}
	for i := range users {
		if users[i].Policy.IsAdministrator {
			c.adminUserID = users[i].ID
			logging.Info().
				Str("component", "jellyfin").
				Str("server", c.name).
				Str("admin_user", users[i].Name).
				Msg("using admin user for item lookups")
			return c.adminUserID, nil
		}
	}
	return "", fmt.Errorf("no administrator user on %s", c.name)
}

// CreateUser creates an account on the peer. Password may be empty for
// passwordless peers. Returns nil without error when the user already
// exists; Jellyfin reports that as a 400.
func (c *Client) CreateUser(ctx context.Context, username, password string) (*User, error) {
	body := map[string]string{
		"Name":     username,
		"Password": password,
	}

	var user User
	err := c.doJSON(ctx, "create_user", http.MethodPost, "/Users/New", nil, body, &user)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
			logging.Warn().
				Str("component", "jellyfin").
				Str("server", c.name).
				Str("username", username).
				Msg("user already exists")
			return nil, nil
		}
		return nil, err
	}

	logging.Info().
		Str("component", "jellyfin").
		Str("server", c.name).
		Str("username", username).
		Str("user_id", user.ID).
		Msg("created user")
	return &user, nil
}

// DeleteUser removes an account from the peer.
func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	if err := c.doDiscard(ctx, "delete_user", http.MethodDelete, "/Users/"+userID, nil, nil); err != nil {
		return err
	}
	logging.Info().
		Str("component", "jellyfin").
		Str("server", c.name).
		Str("user_id", userID).
		Msg("deleted user")
	return nil
}
