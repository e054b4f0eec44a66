// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package jellyfin

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/jellysync/internal/config"
	"github.com/tomtom215/jellysync/internal/logging"
	"github.com/tomtom215/jellysync/internal/metrics"
)

// API is the peer surface the sync engine works against. Both Client
// and BreakerClient implement it.
type API interface {
	Name() string
	Close()

	GetUsers(ctx context.Context) ([]User, error)
	GetUserID(ctx context.Context, username string) (string, error)
	CreateUser(ctx context.Context, username, password string) (*User, error)
	DeleteUser(ctx context.Context, userID string) error

	FindItemByPath(ctx context.Context, cache ItemCache, path string) (*Item, error)
	FindItemByProviderID(ctx context.Context, imdbID, tmdbID, tvdbID string) (*Item, error)
	GetItemInfo(ctx context.Context, userID, itemID string) (*Item, error)
	GetUserData(ctx context.Context, userID, itemID string) (*UserData, error)

	UpdateUserData(ctx context.Context, userID, itemID string, update UserDataUpdate) error
	UpdatePlaybackProgress(ctx context.Context, userID, itemID string, positionTicks int64) error
	SetPlayed(ctx context.Context, userID, itemID string, played bool) error
	SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error
	UpdateRating(ctx context.Context, userID, itemID string, rating float64) error
	DeleteRating(ctx context.Context, userID, itemID string) error

	ServerInfo(ctx context.Context) (*PublicServerInfo, error)
	Health(ctx context.Context) error
}

var (
	_ API = (*Client)(nil)
	_ API = (*BreakerClient)(nil)
)

// BreakerClient wraps Client with a circuit breaker so a dead peer does
// not tie up every worker slot on 30-second timeouts.
//
// DETERMINISM NOTE: the breaker uses real time (via sony/gobreaker) for
// its interval and timeout calculations. Intentional for production
// resilience.
type BreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[any]
}

// NewBreakerClient creates a peer client with circuit breaker
// protection. Breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewBreakerClient(server config.ServerEntry) *BreakerClient {
	client := NewClient(server)
	name := server.Name

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Str("server", name).
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening peer circuit")
			}
			return shouldTrip
		},

		// A 404 means the peer answered; only transport and server
		// errors should count against the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().
				Str("server", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("[CIRCUIT BREAKER] Peer state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerClient{client: client, cb: cb}
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// execute wraps a peer API call with circuit breaker protection.
func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.client.name, "rejected").Inc()
			logging.Warn().
				Str("server", b.client.name).
				Err(err).
				Msg("[CIRCUIT BREAKER] Peer request rejected")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.client.name, "failure").Inc()
		}
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.client.name, "success").Inc()
	return result, nil
}

// Name returns the configured peer name.
func (b *BreakerClient) Name() string { return b.client.Name() }

// Close releases idle connections on the underlying client.
func (b *BreakerClient) Close() { b.client.Close() }

// State returns the current circuit breaker state.
func (b *BreakerClient) State() gobreaker.State { return b.cb.State() }

// Counts returns the current circuit breaker counts.
func (b *BreakerClient) Counts() gobreaker.Counts { return b.cb.Counts() }

// GetUsers retrieves all users with circuit breaker protection.
func (b *BreakerClient) GetUsers(ctx context.Context) ([]User, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.GetUsers(ctx)
	})
	if err != nil {
		return nil, err
	}
	users, ok := result.([]User)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for GetUsers")
	}
	return users, nil
}

// GetUserID resolves a username with circuit breaker protection.
func (b *BreakerClient) GetUserID(ctx context.Context, username string) (string, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.GetUserID(ctx, username)
	})
	if err != nil {
		return "", err
	}
	id, ok := result.(string)
	if !ok {
		return "", errors.New("circuit breaker: unexpected result type for GetUserID")
	}
	return id, nil
}

// CreateUser creates an account with circuit breaker protection.
func (b *BreakerClient) CreateUser(ctx context.Context, username, password string) (*User, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.CreateUser(ctx, username, password)
	})
	if err != nil {
		return nil, err
	}
	user, ok := result.(*User)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for CreateUser")
	}
	return user, nil
}

// DeleteUser removes an account with circuit breaker protection.
func (b *BreakerClient) DeleteUser(ctx context.Context, userID string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.DeleteUser(ctx, userID)
	})
	return err
}

// FindItemByPath resolves a path with circuit breaker protection.
func (b *BreakerClient) FindItemByPath(ctx context.Context, cache ItemCache, path string) (*Item, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.FindItemByPath(ctx, cache, path)
	})
	if err != nil {
		return nil, err
	}
	return asItem(result, "FindItemByPath")
}

// FindItemByProviderID searches by external IDs with circuit breaker
// protection.
func (b *BreakerClient) FindItemByProviderID(ctx context.Context, imdbID, tmdbID, tvdbID string) (*Item, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.FindItemByProviderID(ctx, imdbID, tmdbID, tvdbID)
	})
	if err != nil {
		return nil, err
	}
	return asItem(result, "FindItemByProviderID")
}

// GetItemInfo fetches an item with circuit breaker protection.
func (b *BreakerClient) GetItemInfo(ctx context.Context, userID, itemID string) (*Item, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.GetItemInfo(ctx, userID, itemID)
	})
	if err != nil {
		return nil, err
	}
	return asItem(result, "GetItemInfo")
}

// GetUserData fetches per-user item state with circuit breaker
// protection.
func (b *BreakerClient) GetUserData(ctx context.Context, userID, itemID string) (*UserData, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.GetUserData(ctx, userID, itemID)
	})
	if err != nil {
		return nil, err
	}
	data, ok := result.(*UserData)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for GetUserData")
	}
	return data, nil
}

// UpdateUserData applies a partial update with circuit breaker
// protection.
func (b *BreakerClient) UpdateUserData(ctx context.Context, userID, itemID string, update UserDataUpdate) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.UpdateUserData(ctx, userID, itemID, update)
	})
	return err
}

// UpdatePlaybackProgress sets the resume position with circuit breaker
// protection.
func (b *BreakerClient) UpdatePlaybackProgress(ctx context.Context, userID, itemID string, positionTicks int64) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.UpdatePlaybackProgress(ctx, userID, itemID, positionTicks)
	})
	return err
}

// SetPlayed marks played state with circuit breaker protection.
func (b *BreakerClient) SetPlayed(ctx context.Context, userID, itemID string, played bool) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.SetPlayed(ctx, userID, itemID, played)
	})
	return err
}

// SetFavorite sets favorite state with circuit breaker protection.
func (b *BreakerClient) SetFavorite(ctx context.Context, userID, itemID string, favorite bool) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.SetFavorite(ctx, userID, itemID, favorite)
	})
	return err
}

// UpdateRating sets the rating with circuit breaker protection.
func (b *BreakerClient) UpdateRating(ctx context.Context, userID, itemID string, rating float64) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.UpdateRating(ctx, userID, itemID, rating)
	})
	return err
}

// DeleteRating clears the rating with circuit breaker protection.
func (b *BreakerClient) DeleteRating(ctx context.Context, userID, itemID string) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.DeleteRating(ctx, userID, itemID)
	})
	return err
}

// ServerInfo fetches public system info with circuit breaker
// protection.
func (b *BreakerClient) ServerInfo(ctx context.Context) (*PublicServerInfo, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.ServerInfo(ctx)
	})
	if err != nil {
		return nil, err
	}
	info, ok := result.(*PublicServerInfo)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for ServerInfo")
	}
	return info, nil
}

// Health checks reachability with circuit breaker protection.
func (b *BreakerClient) Health(ctx context.Context) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.Health(ctx)
	})
	return err
}

func asItem(result any, op string) (*Item, error) {
	if result == nil {
		return nil, nil
	}
	item, ok := result.(*Item)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for " + op)
	}
	return item, nil
}
