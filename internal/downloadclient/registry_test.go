// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnsupportedClientType(t *testing.T) {
	c, err := New(Settings{Type: "unknown-backend", Host: "localhost"})
	assert.Nil(t, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedClientType)
	assert.Contains(t, err.Error(), "unknown-backend")
}

func TestNew_InvalidSettings(t *testing.T) {
	_, err := New(Settings{Type: TypeSABnzbd, Host: "localhost"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNew_EveryType(t *testing.T) {
	for _, d := range SupportedTypes() {
		t.Run(string(d.Type), func(t *testing.T) {
			s := Settings{Type: d.Type, Host: "localhost", Port: d.DefaultPort}
			switch d.Scheme {
			case AuthAPIKey:
				s.APIKey = "key"
			case AuthAppToken:
				s.AppID, s.AppToken = "app", "token"
			case AuthNone:
				s.Host = ""
				s.Directory = t.TempDir()
			}

			c, err := New(s)
			require.NoError(t, err)
			assert.Equal(t, d.Type, c.Type())

			caps := CapabilitiesOf(c)
			assert.Equal(t, d.Type.Supports(ProtocolTorrent), caps.Torrent)
			assert.Equal(t, d.Type.Supports(ProtocolUsenet), caps.Usenet)
		})
	}
}

func TestNew_IndependentAdapters(t *testing.T) {
	m, srv := newMockQbit(t)
	s := qbitSettings(srv)

	a := build(t, s).(TorrentClient)
	b := build(t, s).(TorrentClient)
	require.NotSame(t, a, b)

	hashA, errA := a.AddTorrentFromMagnet(t.Context(), testMagnet)
	hashB, errB := b.AddTorrentFromMagnet(t.Context(), testMagnet)
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, hashA, hashB)
	assert.Equal(t, int32(2), m.logins.Load(), "sessions are not shared between adapters")
}

func TestSupportedTypes(t *testing.T) {
	types := SupportedTypes()
	require.Len(t, types, 15)
	for i := 1; i < len(types); i++ {
		assert.Less(t, string(types[i-1].Type), string(types[i].Type))
	}

	d, ok := DescriptorOf(TypeDownloadStation)
	require.True(t, ok)
	assert.ElementsMatch(t, []Protocol{ProtocolTorrent, ProtocolUsenet}, d.Protocols)
	assert.Equal(t, "Torrent Blackhole", TypeBlackhole.DisplayName())
	assert.Equal(t, "unknown", ClientType("unknown").DisplayName())
}

func TestParseClientType(t *testing.T) {
	typ, err := ParseClientType(" qBittorrent ")
	require.NoError(t, err)
	assert.Equal(t, TypeQbittorrent, typ)

	_, err = ParseClientType("unknown-backend")
	assert.ErrorIs(t, err, ErrUnsupportedClientType)
}
