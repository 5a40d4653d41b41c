// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/base64"
	"net/http"
	"slices"
	"strings"
)

// Flood speaks the Flood REST API; the JWT cookie is the session token.
type Flood struct {
	settings Settings
	t        *transport
	session  *session
}

func newFlood(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	c := &Flood{settings: s, t: t}
	c.session = newSession(s.Type, t.log, c.login)
	return c, nil
}

func (c *Flood) Type() ClientType { return TypeFlood }

func (c *Flood) login(ctx context.Context) (string, error) {
	body, ct, err := jsonBody(map[string]string{
		"username": c.settings.Username,
		"password": c.settings.Password,
	})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "login", err, "could not encode login")
	}
	resp, err := c.t.send(ctx, "login", request{
		method:      http.MethodPost,
		path:        "/api/auth/authenticate",
		body:        body,
		contentType: ct,
	})
	if err != nil {
		return "", err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return "", authError(c.Type(), "login", "invalid username or password")
	}
	if err := c.t.check("login", resp); err != nil {
		return "", err
	}
	token := findCookie(resp.cookies, "jwt")
	if token == "" {
		return "", newError(KindProtocol, c.Type(), "login", "no session cookie returned")
	}
	return token, nil
}

func (c *Flood) call(ctx context.Context, op, method, endpoint string, payload any, result any) error {
	var body []byte
	var ct string
	if payload != nil {
		b, contentType, err := jsonBody(payload)
		if err != nil {
			return wrapError(KindInvalidRequest, c.Type(), op, err, "could not encode request")
		}
		body, ct = b, contentType
	}
	return c.session.do(ctx, func(token string) error {
		resp, err := c.t.do(ctx, op, request{
			method:      method,
			path:        endpoint,
			body:        body,
			contentType: ct,
			cookies:     []*http.Cookie{{Name: "jwt", Value: token}},
		})
		if err != nil {
			return err
		}
		if result != nil && len(resp.body) > 0 {
			return c.t.decodeJSON(op, resp.body, result)
		}
		return nil
	})
}

func (c *Flood) TestConnection(ctx context.Context) TestResult {
	var out struct {
		IsConnected bool `json:"isConnected"`
	}
	if err := c.call(ctx, "test", http.MethodGet, "/api/client/connection-test", nil, &out); err != nil {
		return testResult(c.Type(), "", err)
	}
	if !out.IsConnected {
		return testResult(c.Type(), "", newError(KindConnection, c.Type(), "test", "flood is not connected to its torrent client"))
	}
	return testResult(c.Type(), "", nil)
}

func (c *Flood) addPayload() map[string]any {
	s := c.settings
	p := map[string]any{
		"start": !s.AddPaused,
	}
	if s.Category != "" {
		p["tags"] = []string{s.Category}
	}
	if s.Directory != "" {
		p["destination"] = s.Directory
	}
	return p
}

func (c *Flood) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, true)
	if err != nil {
		return "", err
	}
	p := c.addPayload()
	p["urls"] = []string{strings.TrimSpace(magnetLink)}
	if err := c.call(ctx, "add", http.MethodPost, "/api/torrents/add-urls", p, nil); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Flood) AddTorrentFromFile(ctx context.Context, _ string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, true)
	if err != nil {
		return "", err
	}
	p := c.addPayload()
	p["files"] = []string{base64.StdEncoding.EncodeToString(content)}
	if err := c.call(ctx, "add", http.MethodPost, "/api/torrents/add-files", p, nil); err != nil {
		return "", err
	}
	return hash, nil
}

type floodTorrent struct {
	Hash            string   `json:"hash"`
	Name            string   `json:"name"`
	PercentComplete float64  `json:"percentComplete"`
	SizeBytes       int64    `json:"sizeBytes"`
	BytesDone       int64    `json:"bytesDone"`
	Status          []string `json:"status"`
	Tags            []string `json:"tags"`
	Directory       string   `json:"directory"`
}

func (c *Flood) GetDownloads(ctx context.Context) ([]Download, error) {
	var out struct {
		Torrents map[string]floodTorrent `json:"torrents"`
	}
	if err := c.call(ctx, "list", http.MethodGet, "/api/torrents", nil, &out); err != nil {
		return nil, err
	}

	downloads := make([]Download, 0, len(out.Torrents))
	for hash, t := range out.Torrents {
		if t.Hash == "" {
			t.Hash = hash
		}
		if c.settings.Category != "" && !slices.Contains(t.Tags, c.settings.Category) {
			continue
		}
		category := ""
		if len(t.Tags) > 0 {
			category = t.Tags[0]
		}
		downloads = append(downloads, Download{
			ID:         strings.ToUpper(t.Hash),
			Name:       t.Name,
			Category:   category,
			Status:     floodStatus(t.Status),
			Progress:   t.PercentComplete,
			Size:       t.SizeBytes,
			Downloaded: t.BytesDone,
			SavePath:   t.Directory,
			Protocol:   ProtocolTorrent,
		})
	}
	slices.SortFunc(downloads, func(a, b Download) int { return strings.Compare(a.Name, b.Name) })
	return downloads, nil
}

func floodStatus(status []string) DownloadStatus {
	has := func(s string) bool { return slices.Contains(status, s) }
	switch {
	case has("error"):
		return StatusError
	case has("checking"):
		return StatusChecking
	case has("stopped") && has("complete"):
		return StatusCompleted
	case has("stopped"):
		return StatusPaused
	case has("seeding"):
		return StatusSeeding
	case has("downloading"):
		return StatusDownloading
	case has("complete"):
		return StatusCompleted
	default:
		return StatusQueued
	}
}

func (c *Flood) hashes(id string) []string {
	return []string{strings.ToUpper(id)}
}

func (c *Flood) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	return c.call(ctx, "remove", http.MethodPost, "/api/torrents/delete", map[string]any{
		"hashes":     c.hashes(id),
		"deleteData": deleteData,
	}, nil)
}

func (c *Flood) StartTorrent(ctx context.Context, id string) error {
	return c.call(ctx, "start", http.MethodPost, "/api/torrents/start", map[string]any{"hashes": c.hashes(id)}, nil)
}

func (c *Flood) StopTorrent(ctx context.Context, id string) error {
	return c.call(ctx, "stop", http.MethodPost, "/api/torrents/stop", map[string]any{"hashes": c.hashes(id)}, nil)
}

// Flood has no separate pause state; pause and resume map onto stop and start.
func (c *Flood) PauseDownload(ctx context.Context, id string) error {
	return c.StopTorrent(ctx, id)
}

func (c *Flood) ResumeDownload(ctx context.Context, id string) error {
	return c.StartTorrent(ctx, id)
}

func (c *Flood) SetLabel(ctx context.Context, id, label string) error {
	tags := []string{}
	if label != "" {
		tags = append(tags, label)
	}
	return c.call(ctx, "label", http.MethodPatch, "/api/torrents/tags", map[string]any{
		"hashes": c.hashes(id),
		"tags":   tags,
	}, nil)
}
