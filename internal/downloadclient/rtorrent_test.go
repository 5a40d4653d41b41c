// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRTorrent struct {
	version string

	mu    sync.Mutex
	calls map[string][]any
}

func (m *mockRTorrent) params(method string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func newMockRTorrent(t *testing.T, path string) (*mockRTorrent, *httptest.Server) {
	t.Helper()
	m := &mockRTorrent{version: "0.9.8", calls: map[string][]any{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if user, pass, ok := r.BasicAuth(); ok && (user != "rt" || pass != "pw") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		method, params := decodeCall(t, body)

		m.mu.Lock()
		m.calls[method] = params
		m.mu.Unlock()

		w.Header().Set("Content-Type", "text/xml")
		switch method {
		case "system.client_version":
			_, _ = io.WriteString(w, `<methodResponse><params><param><value><string>`+m.version+`</string></value></param></params></methodResponse>`)
		case "load.start", "load.normal", "load.raw_start", "load.raw", "d.erase", "d.pause":
			_, _ = io.WriteString(w, `<methodResponse><params><param><value><i4>0</i4></value></param></params></methodResponse>`)
		case "d.multicall2":
			_, _ = io.WriteString(w, `<methodResponse><params><param><value><array><data>
				<value><array><data>
					<value><string>AABBCCDDEEFF00112233445566778899AABBCCDD</string></value>
					<value><string>Some.Movie</string></value>
					<value><string>movies</string></value>
					<value><i8>1</i8></value>
					<value><i8>0</i8></value>
					<value><i8>200</i8></value>
					<value><i8>50</i8></value>
					<value><string>/data/movies</string></value>
					<value><i8>1</i8></value>
					<value><string></string></value>
					<value><i8>0</i8></value>
				</data></array></value>
			</data></array></value></param></params></methodResponse>`)
		default:
			_, _ = io.WriteString(w, `<methodResponse><fault><value><struct>
				<member><name>faultCode</name><value><i4>-506</i4></value></member>
				<member><name>faultString</name><value><string>Method not defined</string></value></member>
			</struct></value></fault></methodResponse>`)
		}
	}))
	t.Cleanup(srv.Close)
	return m, srv
}

func TestRTorrent_TestConnection(t *testing.T) {
	tests := []struct {
		name    string
		version string
		success bool
	}{
		{name: "supported", version: "0.9.8", success: true},
		{name: "too old", version: "0.8.9", success: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, srv := newMockRTorrent(t, "/RPC2")
			m.version = tt.version

			res := build(t, settingsFor(TypeRTorrent, srv)).TestConnection(t.Context())
			assert.Equal(t, tt.success, res.Success, res.Error)
			if !tt.success {
				assert.Regexp(t, `(?i)version too low`, res.Error)
				assert.Contains(t, res.Error, "0.9.0")
			}
		})
	}
}

func TestRTorrent_BadCredentials(t *testing.T) {
	_, srv := newMockRTorrent(t, "/RPC2")
	s := settingsFor(TypeRTorrent, srv)
	s.Username = "rt"
	s.Password = "wrong"

	res := build(t, s).TestConnection(t.Context())
	assert.False(t, res.Success)
	assert.Equal(t, KindAuthentication, res.Kind)
}

func TestRTorrent_AddTorrentFromMagnet(t *testing.T) {
	m, srv := newMockRTorrent(t, "/RPC2")
	s := settingsFor(TypeRTorrent, srv)
	s.Category = "movies"
	s.Directory = "/data"
	s.Priority = PriorityFirst
	c := build(t, s).(TorrentClient)

	hash, err := c.AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, err)
	assert.Equal(t, "AABBCCDDEEFF00112233445566778899AABBCCDD", hash)

	params := m.params("load.start")
	require.GreaterOrEqual(t, len(params), 5)
	assert.Equal(t, "", params[0])
	assert.Equal(t, testMagnet, params[1])
	assert.Contains(t, params, "d.custom1.set=movies")
	assert.Contains(t, params, "d.directory.set=/data")
	assert.Contains(t, params, "d.priority.set=3")
}

func TestRTorrent_AddPausedFile(t *testing.T) {
	m, srv := newMockRTorrent(t, "/RPC2")
	s := settingsFor(TypeRTorrent, srv)
	s.AddPaused = true
	content, wantHash := newTestTorrent(t, "paused")
	c := build(t, s).(TorrentClient)

	hash, err := c.AddTorrentFromFile(t.Context(), "paused.torrent", content)
	require.NoError(t, err)
	assert.Equal(t, formatHash(wantHash, true), hash)

	params := m.params("load.raw")
	require.NotEmpty(t, params)
	assert.Equal(t, content, params[1])
	assert.Empty(t, m.params("load.raw_start"))
}

func TestRTorrent_URLBase(t *testing.T) {
	_, srv := newMockRTorrent(t, "/rutorrent/RPC2")
	s := settingsFor(TypeRTorrent, srv)
	s.URLBase = "/rutorrent/RPC2"

	res := build(t, s).TestConnection(t.Context())
	assert.True(t, res.Success, res.Error)
}

func TestRTorrent_GetDownloads(t *testing.T) {
	_, srv := newMockRTorrent(t, "/RPC2")
	c := build(t, settingsFor(TypeRTorrent, srv))

	downloads, err := c.(Manageable).GetDownloads(t.Context())
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "movies", downloads[0].Category)
	assert.Equal(t, StatusDownloading, downloads[0].Status)
	assert.InDelta(t, 25, downloads[0].Progress, 0.001)

	err = c.(Labeler).SetLabel(t.Context(), testMagnetHash, "tv")
	var e *Error
	require.ErrorAs(t, err, &e, "unknown methods surface as faults")
	assert.Equal(t, KindRejected, e.Kind)
	assert.Contains(t, e.Message, "Method not defined")
}
