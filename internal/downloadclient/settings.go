// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds every outbound call unless the settings override it.
const DefaultTimeout = 30 * time.Second

type ClientType string

const (
	TypeQbittorrent     ClientType = "qbittorrent"
	TypeTransmission    ClientType = "transmission"
	TypeVuze            ClientType = "vuze"
	TypeRTorrent        ClientType = "rtorrent"
	TypeNZBGet          ClientType = "nzbget"
	TypeAria2           ClientType = "aria2"
	TypeUTorrent        ClientType = "utorrent"
	TypeDownloadStation ClientType = "downloadstation"
	TypeFreebox         ClientType = "freebox"
	TypeHadouken        ClientType = "hadouken"
	TypeNZBVortex       ClientType = "nzbvortex"
	TypeFlood           ClientType = "flood"
	TypeBlackhole       ClientType = "blackhole"
	TypeDeluge          ClientType = "deluge"
	TypeSABnzbd         ClientType = "sabnzbd"
)

// DisplayName returns the product name used in user-facing messages.
func (t ClientType) DisplayName() string {
	if d, ok := descriptors[t]; ok {
		return d.DisplayName
	}
	return string(t)
}

type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "nzb"
)

// AuthScheme is the credential shape a client type expects.
type AuthScheme string

const (
	AuthNone     AuthScheme = "none"
	AuthUserPass AuthScheme = "userpass"
	AuthAPIKey   AuthScheme = "apikey"
	AuthSecret   AuthScheme = "secret"
	AuthAppToken AuthScheme = "apptoken"
)

// Priority is a coarse queue position hint, mapped per backend.
type Priority int

const (
	PriorityLast   Priority = -1
	PriorityNormal Priority = 0
	PriorityFirst  Priority = 1
)

// Settings are the decrypted connection settings of one download client.
type Settings struct {
	ID      int
	Name    string
	Type    ClientType
	Host    string
	Port    int
	UseSSL  bool
	URLBase string

	Username    string
	Password    string
	APIKey      string
	SecretToken string
	AppID       string
	AppToken    string

	Category  string
	Directory string
	AddPaused bool
	Priority  Priority

	TLSSkipVerify bool
	Timeout       time.Duration
}

// WithDefaultTimeout returns s with Timeout set to d when s has none.
func (s Settings) WithDefaultTimeout(d time.Duration) Settings {
	if s.Timeout <= 0 && d > 0 {
		s.Timeout = d
	}
	return s
}

func (s Settings) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// BaseURL builds the root URL of the backend from host, port, scheme and URL base.
// A scheme embedded in Host wins over UseSSL.
func (s Settings) BaseURL() (*url.URL, error) {
	raw := strings.TrimSpace(s.Host)
	if raw == "" {
		return nil, newError(KindInvalidRequest, s.Type, "settings", "host is required")
	}

	if !strings.Contains(raw, "://") {
		scheme := "http"
		if s.UseSSL {
			scheme = "https"
		}
		raw = scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, newError(KindInvalidRequest, s.Type, "settings", "invalid host %q", s.Host)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newError(KindInvalidRequest, s.Type, "settings", "unsupported scheme %q: must be http or https", u.Scheme)
	}

	if s.Port > 0 && u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(s.Port))
	}

	u.Path = strings.TrimRight(path.Join("/", u.Path, strings.Trim(s.URLBase, "/")), "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil

	return u, nil
}

// Validate checks that the populated credential shape matches the client type.
func (s Settings) Validate() error {
	d, ok := descriptors[s.Type]
	if !ok {
		return unsupportedClientType(s.Type)
	}

	if d.Scheme != AuthNone {
		if _, err := s.BaseURL(); err != nil {
			return err
		}
	}
	if s.Type == TypeBlackhole && strings.TrimSpace(s.Directory) == "" {
		return newError(KindInvalidRequest, s.Type, "settings", "directory is required")
	}

	userPass := s.Username != "" || s.Password != ""
	apiKey := s.APIKey != ""
	secret := s.SecretToken != ""
	app := s.AppID != "" || s.AppToken != ""

	foreign := func(name string) error {
		return newError(KindInvalidRequest, s.Type, "settings", "%s credentials are not used by %s", name, d.DisplayName)
	}

	switch d.Scheme {
	case AuthNone:
		if userPass || apiKey || secret || app {
			return foreign("connection")
		}
	case AuthUserPass:
		if apiKey {
			return foreign("api key")
		}
		if secret {
			return foreign("secret token")
		}
		if app {
			return foreign("app token")
		}
	case AuthAPIKey:
		if !apiKey {
			return newError(KindInvalidRequest, s.Type, "settings", "api key is required")
		}
		if userPass {
			return foreign("username/password")
		}
		if secret || app {
			return foreign("token")
		}
	case AuthSecret:
		if userPass || apiKey || app {
			return foreign("username/password or api key")
		}
	case AuthAppToken:
		if s.AppID == "" || s.AppToken == "" {
			return newError(KindInvalidRequest, s.Type, "settings", "app id and app token are required")
		}
		if userPass || apiKey || secret {
			return foreign("username/password or api key")
		}
	}

	if s.Priority < PriorityLast || s.Priority > PriorityFirst {
		return newError(KindInvalidRequest, s.Type, "settings", "priority must be -1, 0 or 1")
	}

	return nil
}

// downloadDir joins the configured directory and category into a destination path.
func (s Settings) downloadDir(base string) string {
	dir := strings.TrimSpace(s.Directory)
	if dir == "" {
		dir = base
	}
	if s.Category == "" {
		return dir
	}
	if dir == "" {
		return s.Category
	}
	return path.Join(dir, s.Category)
}
