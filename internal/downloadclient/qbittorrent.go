// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

var (
	qbitMinVersion       = semver.MustParse("2.0.0")
	qbitStopStartVersion = semver.MustParse("2.11.0")
	qbitTopQueueVersion  = semver.MustParse("2.8.4")
)

// Qbittorrent speaks the qBittorrent WebUI API v2.
type Qbittorrent struct {
	settings Settings
	t        *transport
	session  *session

	mu            sync.RWMutex
	webAPIVersion *semver.Version
}

func newQbittorrent(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	c := &Qbittorrent{settings: s, t: t}
	c.session = newSession(s.Type, t.log, c.login)
	return c, nil
}

func (c *Qbittorrent) Type() ClientType { return TypeQbittorrent }

func (c *Qbittorrent) login(ctx context.Context) (string, error) {
	body, ct := formBody(url.Values{
		"username": {c.settings.Username},
		"password": {c.settings.Password},
	})
	resp, err := c.t.send(ctx, "login", request{
		method:      http.MethodPost,
		path:        "/api/v2/auth/login",
		body:        body,
		contentType: ct,
		header:      http.Header{"Referer": {c.t.base.String()}},
	})
	if err != nil {
		return "", err
	}

	switch {
	case resp.status == http.StatusForbidden:
		return "", authError(c.Type(), "login", "too many failed attempts, client ip is banned")
	case resp.status == http.StatusUnauthorized:
		return "", authError(c.Type(), "login", "invalid username or password")
	case resp.status != http.StatusOK:
		return "", c.t.check("login", resp)
	case strings.TrimSpace(string(resp.body)) == "Fails.":
		return "", authError(c.Type(), "login", "invalid username or password")
	}

	// Local auth bypass answers Ok. without a cookie.
	return findCookie(resp.cookies, "SID"), nil
}

func (c *Qbittorrent) call(ctx context.Context, op string, r request) (*response, error) {
	var out *response
	err := c.session.do(ctx, func(token string) error {
		rr := r
		if token != "" {
			rr.cookies = append([]*http.Cookie{{Name: "SID", Value: token}}, r.cookies...)
		}
		resp, err := c.t.do(ctx, op, rr)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *Qbittorrent) fetchVersion(ctx context.Context) (*semver.Version, string, error) {
	resp, err := c.call(ctx, "version", request{path: "/api/v2/app/webapiVersion"})
	if err != nil {
		return nil, "", err
	}
	raw := strings.TrimSpace(string(resp.body))
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, raw, protocolError(c.Type(), "version", err, "unrecognized webapi version %q", raw)
	}

	c.mu.Lock()
	c.webAPIVersion = v
	c.mu.Unlock()

	return v, raw, nil
}

func (c *Qbittorrent) version(ctx context.Context) (*semver.Version, error) {
	c.mu.RLock()
	v := c.webAPIVersion
	c.mu.RUnlock()
	if v != nil {
		return v, nil
	}
	v, _, err := c.fetchVersion(ctx)
	return v, err
}

func (c *Qbittorrent) TestConnection(ctx context.Context) TestResult {
	v, raw, err := c.fetchVersion(ctx)
	if err == nil && v.LessThan(qbitMinVersion) {
		err = versionTooLow(c.Type(), raw, qbitMinVersion.String())
	}
	return testResult(c.Type(), raw, err)
}

func (c *Qbittorrent) addFields(ctx context.Context) []formField {
	s := c.settings
	var fields []formField
	if s.Category != "" {
		fields = append(fields, formField{"category", s.Category})
	}
	if s.Directory != "" {
		fields = append(fields, formField{"savepath", s.Directory})
	}
	if s.AddPaused {
		// "stopped" replaced "paused" in WebAPI 2.11.
		fields = append(fields, formField{"paused", "true"}, formField{"stopped", "true"})
	}
	if s.Priority == PriorityFirst {
		if v, err := c.version(ctx); err == nil && !v.LessThan(qbitTopQueueVersion) {
			fields = append(fields, formField{"addToTopOfQueue", "true"})
		}
	}
	return fields
}

func (c *Qbittorrent) add(ctx context.Context, fields []formField, files []formFile) error {
	body, ct, err := multipartBody(fields, files)
	if err != nil {
		return wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode torrent")
	}
	resp, err := c.call(ctx, "add", request{
		method:      http.MethodPost,
		path:        "/api/v2/torrents/add",
		body:        body,
		contentType: ct,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(resp.body)) == "Fails." {
		return rejected(c.Type(), "add", "torrent was rejected (invalid or already added)")
	}
	return nil
}

func (c *Qbittorrent) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	fields := append([]formField{{"urls", strings.TrimSpace(magnetLink)}}, c.addFields(ctx)...)
	if err := c.add(ctx, fields, nil); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Qbittorrent) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	files := []formFile{{field: "torrents", filename: filename, content: content, mimeType: "application/x-bittorrent"}}
	if err := c.add(ctx, c.addFields(ctx), files); err != nil {
		return "", err
	}
	return hash, nil
}

type qbitTorrent struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
	Size       int64   `json:"size"`
	Downloaded int64   `json:"downloaded"`
	SavePath   string  `json:"save_path"`
}

func (c *Qbittorrent) GetDownloads(ctx context.Context) ([]Download, error) {
	q := url.Values{}
	if c.settings.Category != "" {
		q.Set("category", c.settings.Category)
	}
	resp, err := c.call(ctx, "list", request{path: "/api/v2/torrents/info", query: q})
	if err != nil {
		return nil, err
	}
	var torrents []qbitTorrent
	if err := c.t.decodeJSON("list", resp.body, &torrents); err != nil {
		return nil, err
	}

	out := make([]Download, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, Download{
			ID:         t.Hash,
			Name:       t.Name,
			Category:   t.Category,
			Status:     qbitStatus(t.State),
			Progress:   t.Progress * 100,
			Size:       t.Size,
			Downloaded: t.Downloaded,
			SavePath:   t.SavePath,
			Protocol:   ProtocolTorrent,
		})
	}
	return out, nil
}

func qbitStatus(state string) DownloadStatus {
	switch state {
	case "downloading", "stalledDL", "forcedDL", "metaDL", "forcedMetaDL", "allocating":
		return StatusDownloading
	case "uploading", "stalledUP", "forcedUP", "queuedUP":
		return StatusSeeding
	case "pausedUP", "stoppedUP":
		return StatusCompleted
	case "pausedDL", "stoppedDL":
		return StatusPaused
	case "queuedDL":
		return StatusQueued
	case "checkingDL", "checkingUP", "checkingResumeData", "moving":
		return StatusChecking
	case "error", "missingFiles":
		return StatusError
	default:
		return StatusUnknown
	}
}

func (c *Qbittorrent) post(ctx context.Context, op, endpoint string, values url.Values) error {
	body, ct := formBody(values)
	_, err := c.call(ctx, op, request{
		method:      http.MethodPost,
		path:        endpoint,
		body:        body,
		contentType: ct,
	})
	return err
}

func (c *Qbittorrent) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	return c.post(ctx, "remove", "/api/v2/torrents/delete", url.Values{
		"hashes":      {strings.ToLower(id)},
		"deleteFiles": {strconv.FormatBool(deleteData)},
	})
}

// stateEndpoint picks the pause/resume endpoint names, which WebAPI 2.11
// renamed to stop/start.
func (c *Qbittorrent) stateEndpoint(ctx context.Context, legacy, current string) string {
	if v, err := c.version(ctx); err == nil && !v.LessThan(qbitStopStartVersion) {
		return "/api/v2/torrents/" + current
	}
	return "/api/v2/torrents/" + legacy
}

func (c *Qbittorrent) PauseDownload(ctx context.Context, id string) error {
	return c.post(ctx, "pause", c.stateEndpoint(ctx, "pause", "stop"), url.Values{"hashes": {strings.ToLower(id)}})
}

func (c *Qbittorrent) ResumeDownload(ctx context.Context, id string) error {
	return c.post(ctx, "resume", c.stateEndpoint(ctx, "resume", "start"), url.Values{"hashes": {strings.ToLower(id)}})
}

func (c *Qbittorrent) SetLabel(ctx context.Context, id, label string) error {
	return c.post(ctx, "label", "/api/v2/torrents/setCategory", url.Values{
		"hashes":   {strings.ToLower(id)},
		"category": {label},
	})
}

func (c *Qbittorrent) AddCategory(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return invalidRequest(c.Type(), "category", "category name is required")
	}
	err := c.post(ctx, "category", "/api/v2/torrents/createCategory", url.Values{
		"category": {name},
		"savePath": {c.settings.Directory},
	})
	// 409 means the category already exists.
	var e *Error
	if errors.As(err, &e) && e.Status == http.StatusConflict {
		return nil
	}
	return err
}
