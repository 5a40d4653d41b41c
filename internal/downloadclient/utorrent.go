// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const utorrentMinBuild = 25406

var utorrentTokenPattern = regexp.MustCompile(`<div[^>]*id=['"]token['"][^>]*>([^<]+)</div>`)

// UTorrent speaks the uTorrent WebUI API. The GUID cookie pairs with the
// token, so this is the one adapter that keeps a cookie jar.
type UTorrent struct {
	settings Settings
	t        *transport
	session  *session
}

func newUTorrent(s Settings) (Client, error) {
	t, err := newTransport(s, true)
	if err != nil {
		return nil, err
	}
	c := &UTorrent{settings: s, t: t}
	c.session = newSession(s.Type, t.log, c.login)
	return c, nil
}

func (c *UTorrent) Type() ClientType { return TypeUTorrent }

func (c *UTorrent) login(ctx context.Context) (string, error) {
	resp, err := c.t.send(ctx, "login", request{path: "/gui/token.html", basicAuth: true})
	if err != nil {
		return "", err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return "", authError(c.Type(), "login", "invalid username or password")
	}
	if err := c.t.check("login", resp); err != nil {
		return "", err
	}
	m := utorrentTokenPattern.FindSubmatch(resp.body)
	if m == nil {
		return "", newError(KindProtocol, c.Type(), "login", "token not found in token.html")
	}
	return strings.TrimSpace(string(m[1])), nil
}

// call issues a /gui/ action. Extra query values are appended verbatim so
// repeated keys (hash=a&hash=b) survive.
func (c *UTorrent) call(ctx context.Context, op string, q url.Values, body []byte, contentType string) (*response, error) {
	var out *response
	err := c.session.do(ctx, func(token string) error {
		query := url.Values{"token": {token}}
		for k, v := range q {
			query[k] = v
		}
		r := request{path: "/gui/", query: query, basicAuth: true}
		if body != nil {
			r.method = http.MethodPost
			r.body = body
			r.contentType = contentType
		}
		resp, err := c.t.send(ctx, op, r)
		if err != nil {
			return err
		}
		// An expired token answers 400 "invalid request".
		if resp.status == http.StatusBadRequest && strings.Contains(strings.ToLower(string(resp.body)), "invalid request") {
			return sessionExpired(c.Type(), op, "token expired")
		}
		if err := c.t.check(op, resp); err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *UTorrent) action(ctx context.Context, action string, extra url.Values) (*response, error) {
	q := url.Values{"action": {action}}
	for k, v := range extra {
		q[k] = v
	}
	return c.call(ctx, action, q, nil, "")
}

func (c *UTorrent) TestConnection(ctx context.Context) TestResult {
	resp, err := c.action(ctx, "getsettings", nil)
	if err != nil {
		return testResult(c.Type(), "", err)
	}
	var out struct {
		Build int `json:"build"`
	}
	if err := c.t.decodeJSON("test", resp.body, &out); err != nil {
		return testResult(c.Type(), "", err)
	}
	reported := "build " + strconv.Itoa(out.Build)
	if out.Build < utorrentMinBuild {
		return testResult(c.Type(), reported, versionTooLow(c.Type(), reported, "build "+strconv.Itoa(utorrentMinBuild)))
	}
	return testResult(c.Type(), reported, nil)
}

// afterAdd applies label, paused state and queue position to a new torrent.
func (c *UTorrent) afterAdd(ctx context.Context, hash string) error {
	s := c.settings
	if hash == "" {
		return nil
	}
	if s.Category != "" {
		if err := c.SetLabel(ctx, hash, s.Category); err != nil {
			return err
		}
	}
	if s.AddPaused {
		if err := c.StopTorrent(ctx, hash); err != nil {
			return err
		}
	}
	switch s.Priority {
	case PriorityFirst:
		_, err := c.action(ctx, "queuetop", url.Values{"hash": {hash}})
		return err
	case PriorityLast:
		_, err := c.action(ctx, "queuebottom", url.Values{"hash": {hash}})
		return err
	}
	return nil
}

func (c *UTorrent) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, true)
	if err != nil {
		return "", err
	}
	q := url.Values{"s": {strings.TrimSpace(magnetLink)}}
	if c.settings.Directory != "" {
		q.Set("path", c.settings.Directory)
	}
	if _, err := c.action(ctx, "add-url", q); err != nil {
		return "", err
	}
	if err := c.afterAdd(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *UTorrent) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, true)
	if err != nil {
		return "", err
	}
	body, ct, err := multipartBody(nil, []formFile{{field: "torrent_file", filename: filename, content: content, mimeType: "application/x-bittorrent"}})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode torrent")
	}
	q := url.Values{"action": {"add-file"}}
	if c.settings.Directory != "" {
		q.Set("path", c.settings.Directory)
	}
	resp, err := c.call(ctx, "add-file", q, body, ct)
	if err != nil {
		return "", err
	}
	var out struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(resp.body, &out) == nil && out.Error != "" {
		return "", rejected(c.Type(), "add", "%s", out.Error)
	}
	if err := c.afterAdd(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *UTorrent) GetDownloads(ctx context.Context) ([]Download, error) {
	resp, err := c.call(ctx, "list", url.Values{"list": {"1"}}, nil, "")
	if err != nil {
		return nil, err
	}
	var out struct {
		Torrents [][]any `json:"torrents"`
	}
	if err := c.t.decodeJSON("list", resp.body, &out); err != nil {
		return nil, err
	}

	downloads := make([]Download, 0, len(out.Torrents))
	for _, row := range out.Torrents {
		if len(row) < 12 {
			continue
		}
		label, _ := row[11].(string)
		if c.settings.Category != "" && label != c.settings.Category {
			continue
		}
		hash, _ := row[0].(string)
		name, _ := row[2].(string)
		status := jsonInt(row[1])
		progress := float64(jsonInt(row[4])) / 10
		savePath := ""
		if len(row) > 26 {
			savePath, _ = row[26].(string)
		}
		downloads = append(downloads, Download{
			ID:         strings.ToUpper(hash),
			Name:       name,
			Category:   label,
			Status:     utorrentStatus(status, progress),
			Progress:   progress,
			Size:       jsonInt(row[3]),
			Downloaded: jsonInt(row[5]),
			SavePath:   savePath,
			Protocol:   ProtocolTorrent,
		})
	}
	return downloads, nil
}

func jsonInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// utorrentStatus decodes the status bitfield.
func utorrentStatus(status int64, progress float64) DownloadStatus {
	const (
		started  = 1
		checking = 2
		errored  = 16
		paused   = 32
		queued   = 64
	)
	switch {
	case status&errored != 0:
		return StatusError
	case status&checking != 0:
		return StatusChecking
	case status&paused != 0:
		return StatusPaused
	case status&started != 0 && progress >= 100:
		return StatusSeeding
	case status&started != 0:
		return StatusDownloading
	case status&queued != 0:
		return StatusQueued
	case progress >= 100:
		return StatusCompleted
	default:
		return StatusPaused
	}
}

func (c *UTorrent) hashAction(ctx context.Context, action, id string) error {
	_, err := c.action(ctx, action, url.Values{"hash": {strings.ToUpper(id)}})
	return err
}

func (c *UTorrent) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	if deleteData {
		return c.hashAction(ctx, "removedata", id)
	}
	return c.hashAction(ctx, "remove", id)
}

func (c *UTorrent) PauseDownload(ctx context.Context, id string) error {
	return c.hashAction(ctx, "pause", id)
}

func (c *UTorrent) ResumeDownload(ctx context.Context, id string) error {
	return c.hashAction(ctx, "unpause", id)
}

func (c *UTorrent) StartTorrent(ctx context.Context, id string) error {
	return c.hashAction(ctx, "start", id)
}

func (c *UTorrent) StopTorrent(ctx context.Context, id string) error {
	return c.hashAction(ctx, "stop", id)
}

func (c *UTorrent) SetLabel(ctx context.Context, id, label string) error {
	_, err := c.action(ctx, "setprops", url.Values{
		"hash": {strings.ToUpper(id)},
		"s":    {"label"},
		"v":    {label},
	})
	return err
}
