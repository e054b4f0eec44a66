// JellySync - Multi-Server Jellyfin Playback State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/jellysync

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tomtom215/jellysync/internal/config"
	"github.com/tomtom215/jellysync/internal/database"
	"github.com/tomtom215/jellysync/internal/jellyfin"
)

// fakePeer is an in-memory stand-in for one Jellyfin server.
type fakePeer struct {
	mu        sync.Mutex
	name      string
	users     []jellyfin.User
	itemsPath map[string]*jellyfin.Item
	itemsProv map[string]*jellyfin.Item
	userData  map[string]*jellyfin.UserData
	calls     []string
	failWith  error
}

var _ jellyfin.API = (*fakePeer)(nil)

func newFakePeer(name string) *fakePeer {
	return &fakePeer{
		name:      name,
		itemsPath: make(map[string]*jellyfin.Item),
		itemsProv: make(map[string]*jellyfin.Item),
		userData:  make(map[string]*jellyfin.UserData),
	}
}

func (f *fakePeer) addUser(id, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, jellyfin.User{ID: id, Name: username})
}

func (f *fakePeer) addItem(item *jellyfin.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.Path != "" {
		f.itemsPath[item.Path] = item
	}
	for provider, id := range item.ProviderIDs {
		f.itemsProv[provider+":"+id] = item
	}
}

func (f *fakePeer) setUserData(userID, itemID string, data *jellyfin.UserData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userData[userID+"|"+itemID] = data
}

func (f *fakePeer) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakePeer) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePeer) Name() string { return f.name }
func (f *fakePeer) Close()       {}

func (f *fakePeer) GetUsers(_ context.Context) ([]jellyfin.User, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jellyfin.User(nil), f.users...), nil
}

func (f *fakePeer) GetUserID(ctx context.Context, username string) (string, error) {
	users, err := f.GetUsers(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.Name == username {
			return u.ID, nil
		}
	}
	return "", nil
}

func (f *fakePeer) CreateUser(_ context.Context, username, password string) (*jellyfin.User, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.record("CreateUser(%s,%q)", username, password)
	user := jellyfin.User{ID: "new-" + username, Name: username}
	f.mu.Lock()
	f.users = append(f.users, user)
	f.mu.Unlock()
	return &user, nil
}

func (f *fakePeer) DeleteUser(_ context.Context, userID string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.record("DeleteUser(%s)", userID)
	return nil
}

func (f *fakePeer) FindItemByPath(_ context.Context, _ jellyfin.ItemCache, path string) (*jellyfin.Item, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.itemsPath[path], nil
}

func (f *fakePeer) FindItemByProviderID(_ context.Context, imdbID, tmdbID, tvdbID string) (*jellyfin.Item, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range []string{"Imdb:" + imdbID, "Tmdb:" + tmdbID, "Tvdb:" + tvdbID} {
		if item, ok := f.itemsProv[key]; ok {
			return item, nil
		}
	}
	return nil, nil
}

func (f *fakePeer) GetItemInfo(_ context.Context, _, itemID string) (*jellyfin.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.itemsPath {
		if item.ID == itemID {
			return item, nil
		}
	}
	return nil, jellyfin.ErrNotFound
}

func (f *fakePeer) GetUserData(_ context.Context, userID, itemID string) (*jellyfin.UserData, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userData[userID+"|"+itemID], nil
}

func (f *fakePeer) UpdateUserData(_ context.Context, userID, itemID string, update jellyfin.UserDataUpdate) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.record("UpdateUserData(%s,%s)", userID, itemID)
	return nil
}

func (f *fakePeer) UpdatePlaybackProgress(_ context.Context, userID, itemID string, positionTicks int64) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.record("UpdatePlaybackProgress(%s,%s,%d)", userID, itemID, positionTicks)
	return nil
}

func (f *fakePeer) SetPlayed(_ context.Context, userID, itemID string, played bool) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.record("SetPlayed(%s,%s,%t)", userID, itemID, played)
	return nil
}

func (f *fakePeer) SetFavorite(_ context.Context, userID, itemID string, favorite bool) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.record("SetFavorite(%s,%s,%t)", userID, itemID, favorite)
	return nil
}

func (f *fakePeer) UpdateRating(_ context.Context, userID, itemID string, rating float64) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.record("UpdateRating(%s,%s,%v)", userID, itemID, rating)
	return nil
}

func (f *fakePeer) DeleteRating(_ context.Context, userID, itemID string) error {
	f.record("DeleteRating(%s,%s)", userID, itemID)
	return nil
}

func (f *fakePeer) ServerInfo(_ context.Context) (*jellyfin.PublicServerInfo, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &jellyfin.PublicServerInfo{ServerName: f.name, Version: "10.9.0"}, nil
}

func (f *fakePeer) Health(ctx context.Context) error {
	_, err := f.ServerInfo(ctx)
	return err
}

func testConfig() *config.Config {
	return &config.Config{
		Servers: []config.ServerEntry{
			{Name: "alpha", URL: "http://alpha:8096", APIKey: "ka"},
			{Name: "beta", URL: "http://beta:8096", APIKey: "kb", Passwordless: true},
			{Name: "gamma", URL: "http://gamma:8096", APIKey: "kg"},
		},
		Sync: config.SyncConfig{
			PlaybackProgress:        true,
			WatchedStatus:           true,
			Favorites:               true,
			Ratings:                 true,
			Likes:                   true,
			PlayCount:               true,
			LastPlayedDate:          true,
			AudioStream:             true,
			SubtitleStream:          true,
			ProgressDebounceSeconds: 30,
			WorkerIntervalSeconds:   0.05,
			MaxRetries:              5,
		},
		Database: config.DatabaseConfig{JournalMode: "WAL"},
		Server:   config.HTTPConfig{Host: "127.0.0.1", Port: 8080},
	}
}

type testEnv struct {
	engine *Engine
	store  *database.Store
	peers  map[string]*fakePeer
	cfg    *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	store, err := database.New(context.Background(), database.Options{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	peers := make(map[string]*fakePeer)
	clients := make(map[string]jellyfin.API)
	for _, server := range cfg.Servers {
		p := newFakePeer(server.Name)
		peers[server.Name] = p
		clients[server.Name] = p
	}

	return &testEnv{
		engine: NewWithClients(cfg, store, clients),
		store:  store,
		peers:  peers,
		cfg:    cfg,
	}
}

func boolPtr(b bool) *bool        { return &b }
func intPtr(n int) *int           { return &n }
func int64Ptr(n int64) *int64     { return &n }
func strPtr(s string) *string     { return &s }
func floatPtr(v float64) *float64 { return &v }
