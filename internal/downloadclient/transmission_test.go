// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransmission struct {
	sessionID  string
	rpcVersion int
	// alwaysConflict rotates the session id on every request.
	alwaysConflict bool

	requests  atomic.Int32
	conflicts atomic.Int32

	mu      sync.Mutex
	methods []string
	lastAdd map[string]any
}

func newMockTransmission(t *testing.T, path string) (*mockTransmission, *httptest.Server) {
	t.Helper()
	m := &mockTransmission{sessionID: "session-1", rpcVersion: 17}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		m.requests.Add(1)

		if user, pass, ok := r.BasicAuth(); ok && (user != "admin" || pass != "pw") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if m.alwaysConflict || r.Header.Get(transmissionSessionHeader) != m.sessionID {
			m.conflicts.Add(1)
			id := m.sessionID
			if m.alwaysConflict {
				id = "rotating-" + string(rune('a'+m.conflicts.Load()))
			}
			w.Header().Set(transmissionSessionHeader, id)
			w.WriteHeader(http.StatusConflict)
			return
		}

		var req struct {
			Method    string         `json:"method"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.methods = append(m.methods, req.Method)
		m.mu.Unlock()

		var args any
		switch req.Method {
		case "session-get":
			args = map[string]any{"rpc-version": m.rpcVersion, "version": "4.0.5", "download-dir": "/downloads"}
		case "torrent-add":
			m.mu.Lock()
			m.lastAdd = req.Arguments
			m.mu.Unlock()
			args = map[string]any{"torrent-added": map[string]any{"hashString": testMagnetHash, "id": 1}}
		case "torrent-get":
			args = map[string]any{"torrents": []map[string]any{
				{"hashString": testMagnetHash, "name": "test", "status": 6, "percentDone": 1.0, "totalSize": 10, "downloadedEver": 10, "downloadDir": "/downloads"},
			}}
		default:
			args = map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success", "arguments": args})
	}))
	t.Cleanup(srv.Close)
	return m, srv
}

func TestTransmission_SessionIDReplay(t *testing.T) {
	m, srv := newMockTransmission(t, "/transmission/rpc")
	c := build(t, settingsFor(TypeTransmission, srv)).(*Transmission)

	res := c.TestConnection(t.Context())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "4.0.5", res.Version)
	assert.Equal(t, int32(1), m.conflicts.Load(), "first call is replayed once")
	assert.Equal(t, int32(2), m.requests.Load())
	assert.Equal(t, "session-1", c.currentSessionID())

	_, err := c.AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, err)
	assert.Equal(t, int32(1), m.conflicts.Load(), "stored session id is reused")
}

func TestTransmission_SessionIDRejectedTwice(t *testing.T) {
	m, srv := newMockTransmission(t, "/transmission/rpc")
	m.alwaysConflict = true
	c := build(t, settingsFor(TypeTransmission, srv))

	res := c.TestConnection(t.Context())
	assert.False(t, res.Success)
	assert.Equal(t, KindProtocol, res.Kind)
	assert.Equal(t, int32(2), m.requests.Load(), "exactly one replay")
}

func TestTransmission_AddAppliesCategory(t *testing.T) {
	m, srv := newMockTransmission(t, "/transmission/rpc")
	s := settingsFor(TypeTransmission, srv)
	s.Category = "movies"
	s.AddPaused = true
	c := build(t, s).(TorrentClient)

	hash, err := c.AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, err)
	assert.Equal(t, testMagnetHash, hash)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, "/downloads/movies", m.lastAdd["download-dir"])
	assert.Equal(t, []any{"movies"}, m.lastAdd["labels"])
	assert.Equal(t, true, m.lastAdd["paused"])
	assert.Equal(t, testMagnet, m.lastAdd["filename"])
}

func TestTransmission_AddFile(t *testing.T) {
	m, srv := newMockTransmission(t, "/transmission/rpc")
	content, wantHash := newTestTorrent(t, "file")
	c := build(t, settingsFor(TypeTransmission, srv)).(TorrentClient)

	hash, err := c.AddTorrentFromFile(t.Context(), "file.torrent", content)
	require.NoError(t, err)
	assert.Equal(t, wantHash, hash)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotEmpty(t, m.lastAdd["metainfo"])
	assert.NotContains(t, m.lastAdd, "labels")
}

func TestTransmission_URLBaseUsesRPCPath(t *testing.T) {
	_, srv := newMockTransmission(t, "/transmission/rpc")
	s := settingsFor(TypeTransmission, srv)
	s.URLBase = "transmission"

	res := build(t, s).TestConnection(t.Context())
	assert.True(t, res.Success, res.Error)
}

func TestTransmission_BadCredentials(t *testing.T) {
	_, srv := newMockTransmission(t, "/transmission/rpc")
	s := settingsFor(TypeTransmission, srv)
	s.Username = "admin"
	s.Password = "wrong"

	res := build(t, s).TestConnection(t.Context())
	assert.False(t, res.Success)
	assert.Equal(t, KindAuthentication, res.Kind)
	assert.Regexp(t, `(?i)authentication`, res.Error)
}

func TestTransmission_GetDownloads(t *testing.T) {
	_, srv := newMockTransmission(t, "/transmission/rpc")
	c := build(t, settingsFor(TypeTransmission, srv)).(Manageable)

	downloads, err := c.GetDownloads(t.Context())
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, StatusSeeding, downloads[0].Status)
	assert.InDelta(t, 100, downloads[0].Progress, 0.001)
}

func TestVuze_MinimumRPCVersion(t *testing.T) {
	tests := []struct {
		name       string
		rpcVersion int
		success    bool
	}{
		{name: "supported", rpcVersion: 15, success: true},
		{name: "minimum", rpcVersion: 14, success: true},
		{name: "too old", rpcVersion: 13, success: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, srv := newMockTransmission(t, "/transmission/rpc")
			m.rpcVersion = tt.rpcVersion

			c := build(t, settingsFor(TypeVuze, srv))
			assert.Equal(t, TypeVuze, c.Type())

			res := c.TestConnection(t.Context())
			assert.Equal(t, tt.success, res.Success, res.Error)
			if !tt.success {
				assert.Equal(t, KindVersionUnsupported, res.Kind)
				assert.Regexp(t, `(?i)version too low`, res.Error)
				assert.Contains(t, res.Error, "rpc 14")
			}
		})
	}
}
