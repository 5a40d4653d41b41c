// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
)

const freeboxAuthHeader = "X-Fbx-App-Auth"

// Freebox speaks the Freebox OS API with an app token.
type Freebox struct {
	settings Settings
	t        *transport
	session  *session

	mu      sync.Mutex
	apiBase string
}

func newFreebox(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	c := &Freebox{settings: s, t: t}
	c.session = newSession(s.Type, t.log, c.login)
	return c, nil
}

func (c *Freebox) Type() ClientType { return TypeFreebox }

type freeboxResponse struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	ErrorCode string          `json:"error_code"`
	Msg       string          `json:"msg"`
}

// decode unwraps the success envelope. Freebox answers errors with 4xx and
// the same envelope, so the body is inspected before the status.
func (c *Freebox) decode(op string, resp *response, result any) error {
	var out freeboxResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		if cerr := c.t.check(op, resp); cerr != nil {
			return cerr
		}
		return protocolError(c.Type(), op, err, "malformed response: %s", snippet(resp.body))
	}
	if !out.Success {
		switch out.ErrorCode {
		case "auth_required", "invalid_session":
			return sessionExpired(c.Type(), op, out.ErrorCode)
		case "invalid_token", "pending_token", "insufficient_rights", "denied_from_external_ip":
			return authError(c.Type(), op, "%s", out.Msg)
		}
		msg := out.Msg
		if msg == "" {
			msg = out.ErrorCode
		}
		return rejected(c.Type(), op, "%s", msg)
	}
	if result != nil && len(out.Result) > 0 {
		return c.t.decodeJSON(op, out.Result, result)
	}
	return nil
}

// base discovers the versioned API root, e.g. /api/v8.
func (c *Freebox) base(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiBase != "" {
		return c.apiBase, nil
	}

	resp, err := c.t.do(ctx, "discover", request{path: "/api_version"})
	if err != nil {
		return "", err
	}
	var v struct {
		APIBaseURL string `json:"api_base_url"`
		APIVersion string `json:"api_version"`
	}
	if err := c.t.decodeJSON("discover", resp.body, &v); err != nil {
		return "", err
	}
	major, _, _ := strings.Cut(v.APIVersion, ".")
	if _, err := strconv.Atoi(major); err != nil || v.APIBaseURL == "" {
		return "", newError(KindProtocol, c.Type(), "discover", "unrecognized api version %q", v.APIVersion)
	}
	c.apiBase = path.Join("/", v.APIBaseURL, "v"+major)
	return c.apiBase, nil
}

func (c *Freebox) login(ctx context.Context) (string, error) {
	base, err := c.base(ctx)
	if err != nil {
		return "", err
	}

	resp, err := c.t.send(ctx, "login", request{path: base + "/login/"})
	if err != nil {
		return "", err
	}
	var challenge struct {
		Challenge string `json:"challenge"`
	}
	if err := c.decode("login", resp, &challenge); err != nil {
		return "", err
	}

	mac := hmac.New(sha1.New, []byte(c.settings.AppToken))
	mac.Write([]byte(challenge.Challenge))

	body, ct, err := jsonBody(map[string]string{
		"app_id":   c.settings.AppID,
		"password": hex.EncodeToString(mac.Sum(nil)),
	})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "login", err, "could not encode login")
	}
	resp, err = c.t.send(ctx, "login", request{
		method:      http.MethodPost,
		path:        base + "/login/session/",
		body:        body,
		contentType: ct,
	})
	if err != nil {
		return "", err
	}

	var sess struct {
		SessionToken string          `json:"session_token"`
		Permissions  map[string]bool `json:"permissions"`
	}
	if err := c.decode("login", resp, &sess); err != nil {
		if KindOf(err) == KindRejected || isSessionRejection(err) {
			return "", authError(c.Type(), "login", "app token rejected")
		}
		return "", err
	}
	if !sess.Permissions["downloader"] {
		return "", authError(c.Type(), "login", "app is missing the downloader permission")
	}
	return sess.SessionToken, nil
}

func (c *Freebox) call(ctx context.Context, op string, r request, result any) error {
	base, err := c.base(ctx)
	if err != nil {
		return err
	}
	r.path = base + "/" + strings.TrimPrefix(r.path, "/")
	return c.session.do(ctx, func(token string) error {
		rr := r
		rr.header = http.Header{freeboxAuthHeader: {token}}
		resp, err := c.t.send(ctx, op, rr)
		if err != nil {
			return err
		}
		return c.decode(op, resp, result)
	})
}

func (c *Freebox) TestConnection(ctx context.Context) TestResult {
	err := c.call(ctx, "test", request{path: "downloads/config/"}, nil)
	version := ""
	c.mu.Lock()
	if c.apiBase != "" {
		version = path.Base(c.apiBase)
	}
	c.mu.Unlock()
	return testResult(c.Type(), version, err)
}

func (c *Freebox) downloadDir() string {
	dir := c.settings.downloadDir("")
	if dir == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(dir))
}

func (c *Freebox) applyOptions(ctx context.Context, id int64) error {
	update := map[string]any{}
	if c.settings.AddPaused {
		update["status"] = "stopped"
	}
	switch c.settings.Priority {
	case PriorityFirst:
		update["io_priority"] = "high"
	case PriorityLast:
		update["io_priority"] = "low"
	}
	if len(update) == 0 {
		return nil
	}
	return c.put(ctx, "add", strconv.FormatInt(id, 10), update)
}

func (c *Freebox) addURL(ctx context.Context, link string) (int64, error) {
	values := url.Values{"download_url": {link}}
	if dir := c.downloadDir(); dir != "" {
		values.Set("download_dir", dir)
	}
	body, ct := formBody(values)
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.call(ctx, "add", request{method: http.MethodPost, path: "downloads/add", body: body, contentType: ct}, &out); err != nil {
		return 0, err
	}
	return out.ID, c.applyOptions(ctx, out.ID)
}

func (c *Freebox) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	id, err := c.addURL(ctx, strings.TrimSpace(magnetLink))
	if err != nil {
		return "", err
	}
	if hash == "" {
		return strconv.FormatInt(id, 10), nil
	}
	return hash, nil
}

func (c *Freebox) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	var fields []formField
	if dir := c.downloadDir(); dir != "" {
		fields = append(fields, formField{"download_dir", dir})
	}
	body, ct, err := multipartBody(fields, []formFile{{field: "download_file", filename: filename, content: content, mimeType: "application/x-bittorrent"}})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode torrent")
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.call(ctx, "add", request{method: http.MethodPost, path: "downloads/add", body: body, contentType: ct}, &out); err != nil {
		return "", err
	}
	if err := c.applyOptions(ctx, out.ID); err != nil {
		return "", err
	}
	return hash, nil
}

type freeboxTask struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Size        int64  `json:"size"`
	RxBytes     int64  `json:"rx_bytes"`
	RxPct       int64  `json:"rx_pct"`
	DownloadDir string `json:"download_dir"`
	Type        string `json:"type"`
}

func (c *Freebox) GetDownloads(ctx context.Context) ([]Download, error) {
	var tasks []freeboxTask
	if err := c.call(ctx, "list", request{path: "downloads/"}, &tasks); err != nil {
		return nil, err
	}

	out := make([]Download, 0, len(tasks))
	for _, t := range tasks {
		dir := t.DownloadDir
		if b, err := base64.StdEncoding.DecodeString(dir); err == nil {
			dir = string(b)
		}
		protocol := ProtocolTorrent
		if t.Type == "nzb" {
			protocol = ProtocolUsenet
		}
		out = append(out, Download{
			ID:         strconv.FormatInt(t.ID, 10),
			Name:       t.Name,
			Status:     freeboxStatus(t.Status),
			Progress:   float64(t.RxPct) / 100,
			Size:       t.Size,
			Downloaded: t.RxBytes,
			SavePath:   dir,
			Protocol:   protocol,
		})
	}
	return out, nil
}

func freeboxStatus(s string) DownloadStatus {
	switch s {
	case "queued", "starting":
		return StatusQueued
	case "downloading", "retry":
		return StatusDownloading
	case "stopped", "stopping":
		return StatusPaused
	case "checking", "repairing", "extracting":
		return StatusChecking
	case "seeding":
		return StatusSeeding
	case "done":
		return StatusCompleted
	case "error":
		return StatusError
	default:
		return StatusUnknown
	}
}

func freeboxID(client ClientType, op, id string) (string, error) {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", invalidRequest(client, op, "invalid download id %q", id)
	}
	return id, nil
}

func (c *Freebox) put(ctx context.Context, op, id string, update map[string]any) error {
	body, ct, err := jsonBody(update)
	if err != nil {
		return wrapError(KindInvalidRequest, c.Type(), op, err, "could not encode update")
	}
	return c.call(ctx, op, request{method: http.MethodPut, path: "downloads/" + id, body: body, contentType: ct}, nil)
}

func (c *Freebox) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	id, err := freeboxID(c.Type(), "remove", id)
	if err != nil {
		return err
	}
	p := "downloads/" + id
	if deleteData {
		p += "/erase"
	}
	return c.call(ctx, "remove", request{method: http.MethodDelete, path: p}, nil)
}

func (c *Freebox) PauseDownload(ctx context.Context, id string) error {
	id, err := freeboxID(c.Type(), "pause", id)
	if err != nil {
		return err
	}
	return c.put(ctx, "pause", id, map[string]any{"status": "stopped"})
}

func (c *Freebox) ResumeDownload(ctx context.Context, id string) error {
	id, err := freeboxID(c.Type(), "resume", id)
	if err != nil {
		return err
	}
	return c.put(ctx, "resume", id, map[string]any{"status": "downloading"})
}
