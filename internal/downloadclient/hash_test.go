// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoHashFromMagnet(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		want    string
		wantErr bool
	}{
		{name: "hex upper", link: testMagnet, want: testMagnetHash},
		{name: "hex lower", link: "magnet:?dn=x&xt=urn:btih:" + testMagnetHash, want: testMagnetHash},
		{name: "base32", link: "magnet:?xt=urn:btih:VK54ZXPO74ABCIRTIRKWM54ITGVLXTG5", want: "aabbccddeeff00112233445566778899aabbccdd"},
		{name: "not a magnet", link: "https://example.com/a.torrent", wantErr: true},
		{name: "no hash", link: "magnet:?dn=nothing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InfoHashFromMagnet(tt.link)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMagnetDisplayName(t *testing.T) {
	assert.Equal(t, "test", MagnetDisplayName(testMagnet))
	assert.Equal(t, "", MagnetDisplayName("not a magnet"))
}

func TestInfoHashFromTorrent(t *testing.T) {
	content, want := newTestTorrent(t, "Some.Show.S01E02.1080p.WEB-DL-GROUP")

	got, err := InfoHashFromTorrent(content)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "Some.Show.S01E02.1080p.WEB-DL-GROUP", TorrentName(content))

	_, err = InfoHashFromTorrent([]byte("<html>not a torrent</html>"))
	assert.Error(t, err)
	assert.Equal(t, "", TorrentName([]byte("junk")))
}

func TestLinkHash(t *testing.T) {
	hash, err := linkHash(TypeRTorrent, testMagnet, true)
	require.NoError(t, err)
	assert.Equal(t, "AABBCCDDEEFF00112233445566778899AABBCCDD", hash)

	hash, err = linkHash(TypeQbittorrent, " https://indexer.example.com/dl/1 ", false)
	require.NoError(t, err)
	assert.Empty(t, hash, "urls have no identifier until the backend fetches them")

	_, err = linkHash(TypeQbittorrent, "", false)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = linkHash(TypeQbittorrent, "ftp://example.com/x", false)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = torrentHash(TypeQbittorrent, nil, false)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
