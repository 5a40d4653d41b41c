// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHadouken struct {
	mu       sync.Mutex
	lastURL  map[string]any
	lastForm map[string][]string
	reject   string
}

func newMockHadouken(t *testing.T) (*mockHadouken, *httptest.Server) {
	t.Helper()
	m := &mockHadouken{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-ApiKey") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.URL.Path {
		case "/api/system/info":
			_ = json.NewEncoder(w).Encode(map[string]any{"versions": map[string]any{"hadouken": "5.2.1"}})
		case "/api/torrents/add-url":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			m.mu.Lock()
			m.lastURL = body
			reject := m.reject
			m.mu.Unlock()
			if reject != "" {
				_ = json.NewEncoder(w).Encode(map[string]any{"error": reject})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"infoHash": "AABBCCDDEEFF00112233445566778899AABBCCDD"})
		case "/api/torrents/add-file":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			m.mu.Lock()
			m.lastForm = r.MultipartForm.Value
			m.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return m, srv
}

func hadoukenSettings(srv *httptest.Server) Settings {
	s := settingsFor(TypeHadouken, srv)
	s.APIKey = "key"
	return s
}

func TestHadouken_TestConnection(t *testing.T) {
	_, srv := newMockHadouken(t)

	res := build(t, hadoukenSettings(srv)).TestConnection(t.Context())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "5.2.1", res.Version)

	s := hadoukenSettings(srv)
	s.APIKey = "nope"
	res = build(t, s).TestConnection(t.Context())
	assert.False(t, res.Success)
	assert.Equal(t, KindAuthentication, res.Kind)
}

func TestHadouken_AddMagnetSendsOptions(t *testing.T) {
	m, srv := newMockHadouken(t)
	s := hadoukenSettings(srv)
	s.Category = "movies"
	s.Directory = "/data/movies"
	s.AddPaused = true
	c := build(t, s).(TorrentClient)

	hash, err := c.AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, err)
	assert.Equal(t, testMagnetHash, hash)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, testMagnet, m.lastURL["url"])
	assert.Equal(t, map[string]any{"label": "movies", "savePath": "/data/movies", "paused": true}, m.lastURL["params"])
}

func TestHadouken_AddMagnetRejected(t *testing.T) {
	m, srv := newMockHadouken(t)
	m.reject = "torrent already exists"
	c := build(t, hadoukenSettings(srv)).(TorrentClient)

	_, err := c.AddTorrentFromMagnet(t.Context(), testMagnet)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.Contains(t, err.Error(), "already exists")
}

func TestHadouken_AddFileReturnsLocalHash(t *testing.T) {
	m, srv := newMockHadouken(t)
	s := hadoukenSettings(srv)
	s.Category = "tv"
	c := build(t, s).(TorrentClient)
	content, wantHash := newTestTorrent(t, "show")

	hash, err := c.AddTorrentFromFile(t.Context(), "show.torrent", content)
	require.NoError(t, err)
	assert.Equal(t, wantHash, hash)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"tv"}, m.lastForm["label"])
	assert.NotContains(t, m.lastForm, "paused")
}
