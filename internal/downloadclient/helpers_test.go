// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"
)

const (
	testMagnetHash = "aabbccddeeff00112233445566778899aabbccdd"
	testMagnet     = "magnet:?xt=urn:btih:AABBCCDDEEFF00112233445566778899AABBCCDD&dn=test"
)

// newTestTorrent returns a minimal single-file .torrent and its info-hash.
func newTestTorrent(t *testing.T, name string) ([]byte, string) {
	t.Helper()

	info := metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Pieces:      make([]byte, 20),
		Length:      1024,
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{
		InfoBytes: infoBytes,
		Announce:  "http://tracker.example.com/announce",
	}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))

	return buf.Bytes(), mi.HashInfoBytes().HexString()
}

// settingsFor points settings of the given type at a mock backend.
func settingsFor(typ ClientType, srv *httptest.Server) Settings {
	return Settings{
		ID:   1,
		Name: "test",
		Type: typ,
		Host: srv.URL,
	}
}

// build constructs an adapter and fails the test on error.
func build(t *testing.T, s Settings) Client {
	t.Helper()
	c, err := New(s)
	require.NoError(t, err)
	return c
}
