// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockUTorrent struct {
	build int

	tokens atomic.Int32

	mu      sync.Mutex
	token   string
	actions []string
	labels  map[string]string
}

func newMockUTorrent(t *testing.T) (*mockUTorrent, *httptest.Server) {
	t.Helper()
	m := &mockUTorrent{build: 46000, labels: map[string]string{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.URL.Path {
		case "/gui/token.html":
			n := m.tokens.Add(1)
			m.mu.Lock()
			m.token = fmt.Sprintf("token-%d", n)
			token := m.token
			m.mu.Unlock()
			http.SetCookie(w, &http.Cookie{Name: "GUID", Value: "guid-1", Path: "/"})
			fmt.Fprintf(w, `<html><div id='token' style='display:none;'>%s</div></html>`, token)
			return
		case "/gui/":
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}

		q := r.URL.Query()
		m.mu.Lock()
		valid := q.Get("token") == m.token
		m.mu.Unlock()
		if guid, err := r.Cookie("GUID"); err != nil || guid.Value != "guid-1" || !valid {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("invalid request"))
			return
		}

		action := q.Get("action")
		if q.Get("list") == "1" {
			action = "list"
		}
		m.mu.Lock()
		m.actions = append(m.actions, action)
		if action == "setprops" {
			m.labels[q.Get("hash")] = q.Get("v")
		}
		m.mu.Unlock()

		switch action {
		case "getsettings":
			_ = json.NewEncoder(w).Encode(map[string]any{"build": m.build, "settings": []any{}})
		case "list":
			row := make([]any, 27)
			row[0] = "AABBCCDDEEFF00112233445566778899AABBCCDD"
			row[1] = 1 + 8 + 128
			row[2] = "test"
			row[3] = 2048
			row[4] = 1000
			row[5] = 2048
			row[11] = "movies"
			row[26] = "/dl/movies"
			_ = json.NewEncoder(w).Encode(map[string]any{"build": m.build, "torrents": [][]any{row}})
		case "add-file":
			if _, _, err := r.FormFile("torrent_file"); err != nil {
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "no torrent file"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"build": m.build})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"build": m.build})
		}
	}))
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *mockUTorrent) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.actions...)
}

func utorrentSettings(srv *httptest.Server) Settings {
	s := settingsFor(TypeUTorrent, srv)
	s.Username = "admin"
	s.Password = "pw"
	return s
}

func TestUTorrent_TestConnection(t *testing.T) {
	m, srv := newMockUTorrent(t)

	res := build(t, utorrentSettings(srv)).TestConnection(t.Context())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "build 46000", res.Version)

	m.build = 20000
	res = build(t, utorrentSettings(srv)).TestConnection(t.Context())
	assert.False(t, res.Success)
	assert.Equal(t, KindVersionUnsupported, res.Kind)

	s := utorrentSettings(srv)
	s.Password = "wrong"
	res = build(t, s).TestConnection(t.Context())
	assert.False(t, res.Success)
	assert.Equal(t, KindAuthentication, res.Kind)
}

func TestUTorrent_ExpiredTokenIsReplayed(t *testing.T) {
	m, srv := newMockUTorrent(t)
	c := build(t, utorrentSettings(srv))

	require.True(t, c.TestConnection(t.Context()).Success)

	m.mu.Lock()
	m.token = "rotated"
	m.mu.Unlock()

	res := c.TestConnection(t.Context())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(2), m.tokens.Load())
}

func TestUTorrent_AddMagnetAppliesSettings(t *testing.T) {
	m, srv := newMockUTorrent(t)
	s := utorrentSettings(srv)
	s.Category = "movies"
	s.AddPaused = true
	s.Priority = PriorityLast
	c := build(t, s).(TorrentClient)

	hash, err := c.AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, err)
	assert.Equal(t, "AABBCCDDEEFF00112233445566778899AABBCCDD", hash)

	assert.Equal(t, []string{"add-url", "setprops", "stop", "queuebottom"}, m.seen())
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, "movies", m.labels[hash])
}

func TestUTorrent_AddFile(t *testing.T) {
	m, srv := newMockUTorrent(t)
	content, wantHash := newTestTorrent(t, "file")
	c := build(t, utorrentSettings(srv)).(TorrentClient)

	hash, err := c.AddTorrentFromFile(t.Context(), "file.torrent", content)
	require.NoError(t, err)
	assert.Equal(t, formatHash(wantHash, true), hash)
	assert.Equal(t, []string{"add-file"}, m.seen())
}

func TestUTorrent_GetDownloads(t *testing.T) {
	_, srv := newMockUTorrent(t)
	c := build(t, utorrentSettings(srv)).(Manageable)

	downloads, err := c.GetDownloads(t.Context())
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	d := downloads[0]
	assert.Equal(t, StatusSeeding, d.Status)
	assert.InDelta(t, 100, d.Progress, 0.001)
	assert.Equal(t, "movies", d.Category)
	assert.Equal(t, "/dl/movies", d.SavePath)

	s := utorrentSettings(srv)
	s.Category = "tv"
	downloads, err = build(t, s).(Manageable).GetDownloads(t.Context())
	require.NoError(t, err)
	assert.Empty(t, downloads)
}

func TestUTorrentStatus(t *testing.T) {
	tests := []struct {
		status   int64
		progress float64
		want     DownloadStatus
	}{
		{status: 1 | 8, progress: 50, want: StatusDownloading},
		{status: 1 | 8, progress: 100, want: StatusSeeding},
		{status: 1 | 32, progress: 50, want: StatusPaused},
		{status: 2, progress: 10, want: StatusChecking},
		{status: 16, progress: 10, want: StatusError},
		{status: 64, progress: 0, want: StatusQueued},
		{status: 128, progress: 100, want: StatusCompleted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, utorrentStatus(tt.status, tt.progress), "status %d", tt.status)
	}
}
