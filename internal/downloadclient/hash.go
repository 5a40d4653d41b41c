// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
)

var btihPattern = regexp.MustCompile(`(?i)xt=urn:btih:([a-f0-9]{40})`)

// InfoHashFromMagnet extracts the lowercase hex info-hash from a magnet link.
// Base32 hashes are converted to hex.
func InfoHashFromMagnet(link string) (string, error) {
	if !IsMagnet(link) {
		return "", errors.New("not a magnet link")
	}
	if m := btihPattern.FindStringSubmatch(link); m != nil {
		return strings.ToLower(m[1]), nil
	}

	magnet, err := metainfo.ParseMagnetUri(link)
	if err != nil {
		return "", errors.Wrap(err, "could not parse magnet link")
	}
	return strings.ToLower(magnet.InfoHash.HexString()), nil
}

// MagnetDisplayName returns the dn parameter of a magnet link, if any.
func MagnetDisplayName(link string) string {
	magnet, err := metainfo.ParseMagnetUri(link)
	if err != nil {
		return ""
	}
	return magnet.DisplayName
}

// InfoHashFromTorrent computes the lowercase hex info-hash of a .torrent file.
func InfoHashFromTorrent(content []byte) (string, error) {
	mi, err := metainfo.Load(bytes.NewReader(content))
	if err != nil {
		return "", errors.Wrap(err, "could not decode torrent file")
	}
	return strings.ToLower(mi.HashInfoBytes().HexString()), nil
}

// TorrentName returns the name recorded in the info dictionary.
func TorrentName(content []byte) string {
	mi, err := metainfo.Load(bytes.NewReader(content))
	if err != nil {
		return ""
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return ""
	}
	return info.Name
}

func IsMagnet(link string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(link)), "magnet:")
}

func formatHash(hash string, upper bool) string {
	if upper {
		return strings.ToUpper(hash)
	}
	return strings.ToLower(hash)
}

// magnetHash is the shared front half of every AddTorrentFromMagnet: it
// rejects malformed links before any network call.
func magnetHash(client ClientType, link string, upper bool) (string, error) {
	if strings.TrimSpace(link) == "" {
		return "", invalidRequest(client, "add", "magnet link is required")
	}
	hash, err := InfoHashFromMagnet(link)
	if err != nil {
		return "", invalidRequest(client, "add", "invalid magnet link: %s", err)
	}
	return formatHash(hash, upper), nil
}

func torrentHash(client ClientType, content []byte, upper bool) (string, error) {
	if len(content) == 0 {
		return "", invalidRequest(client, "add", "torrent file is empty")
	}
	hash, err := InfoHashFromTorrent(content)
	if err != nil {
		return "", invalidRequest(client, "add", "invalid torrent file: %s", err)
	}
	return formatHash(hash, upper), nil
}

// linkHash validates a magnet or http(s) link. Magnets yield their info-hash;
// URLs yield an empty identifier since the backend fetches them later.
func linkHash(client ClientType, link string, upper bool) (string, error) {
	link = strings.TrimSpace(link)
	switch {
	case link == "":
		return "", invalidRequest(client, "add", "magnet link or url is required")
	case IsMagnet(link):
		return magnetHash(client, link, upper)
	case IsHTTPURL(link):
		return "", nil
	default:
		return "", invalidRequest(client, "add", "unsupported link, expected magnet or http(s) url")
	}
}

func IsHTTPURL(link string) bool {
	l := strings.ToLower(strings.TrimSpace(link))
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
