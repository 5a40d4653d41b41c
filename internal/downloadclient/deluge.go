// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const delugeMinVersion = "1.3.0"

// Deluge speaks the Deluge WebUI JSON-RPC API; the _session_id cookie is the
// session token.
type Deluge struct {
	settings Settings
	t        *transport
	session  *session
	rpc      *jsonrpcCaller
}

func newDeluge(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	c := &Deluge{
		settings: s,
		t:        t,
		rpc:      &jsonrpcCaller{t: t, path: "/json"},
	}
	c.session = newSession(s.Type, t.log, c.login)
	return c, nil
}

func (c *Deluge) Type() ClientType { return TypeDeluge }

func (c *Deluge) login(ctx context.Context) (string, error) {
	body, ct, err := jsonBody(jsonrpcRequest{ID: c.rpc.ids.Add(1), Method: "auth.login", Params: []any{c.settings.Password}})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "login", err, "could not encode login")
	}
	resp, err := c.t.do(ctx, "login", request{method: http.MethodPost, path: "/json", body: body, contentType: ct})
	if err != nil {
		return "", err
	}
	var out struct {
		Result bool          `json:"result"`
		Error  *jsonrpcError `json:"error"`
	}
	if err := c.t.decodeJSON("login", resp.body, &out); err != nil {
		return "", err
	}
	if out.Error != nil || !out.Result {
		return "", authError(c.Type(), "login", "invalid password")
	}
	token := findCookie(resp.cookies, "_session_id")
	if token == "" {
		return "", newError(KindProtocol, c.Type(), "login", "no session cookie returned")
	}
	return token, nil
}

func (c *Deluge) call(ctx context.Context, method string, params []any, result any) error {
	return c.session.do(ctx, func(token string) error {
		err := c.rpc.call(ctx, method, params, result, func(r *request) {
			r.cookies = []*http.Cookie{{Name: "_session_id", Value: token}}
		})
		var rpcErr *jsonrpcError
		if errors.As(err, &rpcErr) {
			if strings.Contains(rpcErr.Message, "Not authenticated") {
				return sessionExpired(c.Type(), method, "not authenticated")
			}
			return wrapError(KindRejected, c.Type(), method, err, "%s", rpcErr.Message)
		}
		return err
	})
}

// ensureDaemon connects the WebUI to its first configured daemon when it is
// not connected yet.
func (c *Deluge) ensureDaemon(ctx context.Context) error {
	var connected bool
	if err := c.call(ctx, "web.connected", nil, &connected); err != nil {
		return err
	}
	if connected {
		return nil
	}

	var hosts [][]any
	if err := c.call(ctx, "web.get_hosts", nil, &hosts); err != nil {
		return err
	}
	if len(hosts) == 0 || len(hosts[0]) == 0 {
		return newError(KindConnection, c.Type(), "connect", "webui has no daemon configured")
	}
	hostID, _ := hosts[0][0].(string)
	if err := c.call(ctx, "web.connect", []any{hostID}, nil); err != nil {
		return err
	}
	return nil
}

func (c *Deluge) TestConnection(ctx context.Context) TestResult {
	if err := c.ensureDaemon(ctx); err != nil {
		return testResult(c.Type(), "", err)
	}
	var v string
	if err := c.call(ctx, "daemon.info", nil, &v); err != nil {
		return testResult(c.Type(), "", err)
	}
	return testResult(c.Type(), v, checkMinVersion(c.Type(), v, delugeMinVersion))
}

func (c *Deluge) options() map[string]any {
	opts := map[string]any{"add_paused": c.settings.AddPaused}
	if c.settings.Directory != "" {
		opts["download_location"] = c.settings.Directory
	}
	return opts
}

// afterAdd applies label and queue position. Labels need the Label plugin.
func (c *Deluge) afterAdd(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}
	if c.settings.Category != "" {
		if err := c.SetLabel(ctx, hash, c.settings.Category); err != nil {
			return err
		}
	}
	switch c.settings.Priority {
	case PriorityFirst:
		return c.call(ctx, "core.queue_top", []any{[]string{hash}}, nil)
	case PriorityLast:
		return c.call(ctx, "core.queue_bottom", []any{[]string{hash}}, nil)
	}
	return nil
}

func (c *Deluge) add(ctx context.Context, method string, params []any) (string, error) {
	if err := c.ensureDaemon(ctx); err != nil {
		return "", err
	}
	var added *string
	if err := c.call(ctx, method, params, &added); err != nil {
		return "", err
	}
	if added == nil || *added == "" {
		return "", rejected(c.Type(), "add", "torrent was rejected (invalid or already added)")
	}
	return strings.ToLower(*added), nil
}

func (c *Deluge) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	link := strings.TrimSpace(magnetLink)

	var added string
	if IsMagnet(link) {
		added, err = c.add(ctx, "core.add_torrent_magnet", []any{link, c.options()})
	} else {
		added, err = c.add(ctx, "core.add_torrent_url", []any{link, c.options(), map[string]string{}})
	}
	if err != nil {
		return "", err
	}
	if hash == "" {
		hash = added
	}
	if err := c.afterAdd(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Deluge) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	if _, err := c.add(ctx, "core.add_torrent_file", []any{filename, base64.StdEncoding.EncodeToString(content), c.options()}); err != nil {
		return "", err
	}
	if err := c.afterAdd(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

type delugeTorrent struct {
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	TotalSize int64   `json:"total_size"`
	TotalDone int64   `json:"total_done"`
	SavePath  string  `json:"save_path"`
	Label     string  `json:"label"`
}

func (c *Deluge) GetDownloads(ctx context.Context) ([]Download, error) {
	filter := map[string]any{}
	if c.settings.Category != "" {
		filter["label"] = c.settings.Category
	}
	var torrents map[string]delugeTorrent
	if err := c.call(ctx, "core.get_torrents_status", []any{filter, []string{
		"name", "state", "progress", "total_size", "total_done", "save_path", "label",
	}}, &torrents); err != nil {
		return nil, err
	}

	out := make([]Download, 0, len(torrents))
	for hash, t := range torrents {
		out = append(out, Download{
			ID:         strings.ToLower(hash),
			Name:       t.Name,
			Category:   t.Label,
			Status:     delugeStatus(t.State, t.Progress),
			Progress:   t.Progress,
			Size:       t.TotalSize,
			Downloaded: t.TotalDone,
			SavePath:   t.SavePath,
			Protocol:   ProtocolTorrent,
		})
	}
	return out, nil
}

func delugeStatus(state string, progress float64) DownloadStatus {
	switch state {
	case "Downloading", "Allocating", "Moving":
		return StatusDownloading
	case "Seeding":
		return StatusSeeding
	case "Paused":
		if progress >= 100 {
			return StatusCompleted
		}
		return StatusPaused
	case "Queued":
		return StatusQueued
	case "Checking":
		return StatusChecking
	case "Error":
		return StatusError
	default:
		return StatusUnknown
	}
}

func (c *Deluge) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	var removed bool
	if err := c.call(ctx, "core.remove_torrent", []any{strings.ToLower(id), deleteData}, &removed); err != nil {
		return err
	}
	if !removed {
		return rejected(c.Type(), "remove", "torrent %s not found", id)
	}
	return nil
}

// batch calls the Deluge 2 plural method and falls back to the 1.3 form,
// which takes a list in the singular method.
func (c *Deluge) batch(ctx context.Context, plural, singular, id string) error {
	ids := []string{strings.ToLower(id)}
	err := c.call(ctx, plural, []any{ids}, nil)
	if KindOf(err) == KindRejected {
		return c.call(ctx, singular, []any{ids}, nil)
	}
	return err
}

func (c *Deluge) PauseDownload(ctx context.Context, id string) error {
	return c.batch(ctx, "core.pause_torrents", "core.pause_torrent", id)
}

func (c *Deluge) ResumeDownload(ctx context.Context, id string) error {
	return c.batch(ctx, "core.resume_torrents", "core.resume_torrent", id)
}

func (c *Deluge) SetLabel(ctx context.Context, id, label string) error {
	label = strings.ToLower(label)
	err := c.call(ctx, "label.set_torrent", []any{strings.ToLower(id), label}, nil)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown label") {
		if err := c.AddCategory(ctx, label); err != nil {
			return err
		}
		return c.call(ctx, "label.set_torrent", []any{strings.ToLower(id), label}, nil)
	}
	return err
}

func (c *Deluge) AddCategory(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidRequest(c.Type(), "category", "label name is required")
	}
	err := c.call(ctx, "label.add", []any{strings.ToLower(name)}, nil)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}
