// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"slices"
	"strings"
)

type constructor func(Settings) (Client, error)

// Descriptor documents a supported client type.
type Descriptor struct {
	Type        ClientType `json:"type"`
	DisplayName string     `json:"displayName"`
	Scheme      AuthScheme `json:"authScheme"`
	Protocols   []Protocol `json:"protocols"`
	DefaultPort int        `json:"defaultPort,omitempty"`

	build constructor
}

var (
	torrentOnly = []Protocol{ProtocolTorrent}
	usenetOnly  = []Protocol{ProtocolUsenet}
	both        = []Protocol{ProtocolTorrent, ProtocolUsenet}
)

var descriptors = map[ClientType]Descriptor{
	TypeQbittorrent:     {DisplayName: "qBittorrent", Scheme: AuthUserPass, Protocols: torrentOnly, DefaultPort: 8080, build: newQbittorrent},
	TypeTransmission:    {DisplayName: "Transmission", Scheme: AuthUserPass, Protocols: torrentOnly, DefaultPort: 9091, build: newTransmission},
	TypeVuze:            {DisplayName: "Vuze", Scheme: AuthUserPass, Protocols: torrentOnly, DefaultPort: 9091, build: newVuze},
	TypeRTorrent:        {DisplayName: "rTorrent", Scheme: AuthUserPass, Protocols: torrentOnly, DefaultPort: 8080, build: newRTorrent},
	TypeNZBGet:          {DisplayName: "NZBGet", Scheme: AuthUserPass, Protocols: usenetOnly, DefaultPort: 6789, build: newNZBGet},
	TypeAria2:           {DisplayName: "Aria2", Scheme: AuthSecret, Protocols: torrentOnly, DefaultPort: 6800, build: newAria2},
	TypeUTorrent:        {DisplayName: "uTorrent", Scheme: AuthUserPass, Protocols: torrentOnly, DefaultPort: 8080, build: newUTorrent},
	TypeDownloadStation: {DisplayName: "Download Station", Scheme: AuthUserPass, Protocols: both, DefaultPort: 5000, build: newDownloadStation},
	TypeFreebox:         {DisplayName: "Freebox", Scheme: AuthAppToken, Protocols: torrentOnly, DefaultPort: 443, build: newFreebox},
	TypeHadouken:        {DisplayName: "Hadouken", Scheme: AuthAPIKey, Protocols: torrentOnly, DefaultPort: 7070, build: newHadouken},
	TypeNZBVortex:       {DisplayName: "NZBVortex", Scheme: AuthAPIKey, Protocols: usenetOnly, DefaultPort: 4321, build: newNZBVortex},
	TypeFlood:           {DisplayName: "Flood", Scheme: AuthUserPass, Protocols: torrentOnly, DefaultPort: 3000, build: newFlood},
	TypeBlackhole:       {DisplayName: "Torrent Blackhole", Scheme: AuthNone, Protocols: torrentOnly, build: newBlackhole},
	TypeDeluge:          {DisplayName: "Deluge", Scheme: AuthUserPass, Protocols: torrentOnly, DefaultPort: 8112, build: newDeluge},
	TypeSABnzbd:         {DisplayName: "SABnzbd", Scheme: AuthAPIKey, Protocols: usenetOnly, DefaultPort: 8080, build: newSABnzbd},
}

// ParseClientType normalizes a user-supplied type name.
func ParseClientType(s string) (ClientType, error) {
	t := ClientType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := descriptors[t]; !ok {
		return "", unsupportedClientType(t)
	}
	return t, nil
}

// New builds an adapter for s. It performs no I/O; every call returns an
// independent adapter.
func New(s Settings) (Client, error) {
	d, ok := descriptors[s.Type]
	if !ok {
		return nil, unsupportedClientType(s.Type)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return d.build(s)
}

// SupportedTypes lists every client type in a stable order.
func SupportedTypes() []Descriptor {
	out := make([]Descriptor, 0, len(descriptors))
	for t, d := range descriptors {
		d.Type = t
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(string(a.Type), string(b.Type)) })
	return out
}

// DescriptorOf returns the descriptor of t.
func DescriptorOf(t ClientType) (Descriptor, bool) {
	d, ok := descriptors[t]
	d.Type = t
	return d, ok
}

// Supports reports whether a client type handles protocol p.
func (t ClientType) Supports(p Protocol) bool {
	d, ok := descriptors[t]
	return ok && slices.Contains(d.Protocols, p)
}
