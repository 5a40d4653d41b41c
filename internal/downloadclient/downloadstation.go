// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const (
	synoAuthPath = "/webapi/auth.cgi"
	synoInfoPath = "/webapi/DownloadStation/info.cgi"
	synoTaskPath = "/webapi/DownloadStation/task.cgi"
)

var synoAuthErrors = map[int]string{
	400: "no such account or incorrect password",
	401: "account disabled",
	402: "permission denied",
	403: "2-step verification code required",
	404: "failed to authenticate 2-step verification code",
}

var synoTaskErrors = map[int]string{
	400: "file upload failed",
	401: "max number of tasks reached",
	402: "destination denied",
	403: "destination does not exist",
	404: "invalid task id",
	405: "invalid task action",
	406: "no default destination",
	407: "set destination failed",
	408: "file does not exist",
}

var synoCommonErrors = map[int]string{
	100: "unknown error",
	101: "invalid parameter",
	102: "the requested api does not exist",
	103: "the requested method does not exist",
	104: "the requested version does not support the functionality",
	105: "the logged in session does not have permission",
	106: "session timeout",
	107: "session interrupted by duplicate login",
	119: "sid not found",
}

// DownloadStation speaks the Synology DownloadStation Web API.
type DownloadStation struct {
	settings Settings
	t        *transport
	session  *session
}

func newDownloadStation(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	c := &DownloadStation{settings: s, t: t}
	c.session = newSession(s.Type, t.log, c.login)
	return c, nil
}

func (c *DownloadStation) Type() ClientType { return TypeDownloadStation }

type synoResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code int `json:"code"`
	} `json:"error"`
}

func (c *DownloadStation) decode(op string, resp *response, table map[int]string) (json.RawMessage, error) {
	var out synoResponse
	if err := c.t.decodeJSON(op, resp.body, &out); err != nil {
		return nil, err
	}
	if out.Success {
		return out.Data, nil
	}
	code := 0
	if out.Error != nil {
		code = out.Error.Code
	}
	switch code {
	case 105, 106, 107, 119:
		return nil, sessionExpired(c.Type(), op, synoCommonErrors[code])
	}
	if msg, ok := table[code]; ok {
		return nil, rejected(c.Type(), op, "%s (code %d)", msg, code)
	}
	if msg, ok := synoCommonErrors[code]; ok {
		return nil, rejected(c.Type(), op, "%s (code %d)", msg, code)
	}
	return nil, rejected(c.Type(), op, "request failed (code %d)", code)
}

func (c *DownloadStation) login(ctx context.Context) (string, error) {
	resp, err := c.t.do(ctx, "login", request{
		path: synoAuthPath,
		query: url.Values{
			"api":     {"SYNO.API.Auth"},
			"version": {"2"},
			"method":  {"login"},
			"account": {c.settings.Username},
			"passwd":  {c.settings.Password},
			"session": {"DownloadStation"},
			"format":  {"sid"},
		},
	})
	if err != nil {
		return "", err
	}

	var out synoResponse
	if err := c.t.decodeJSON("login", resp.body, &out); err != nil {
		return "", err
	}
	if !out.Success {
		code := 0
		if out.Error != nil {
			code = out.Error.Code
		}
		if msg, ok := synoAuthErrors[code]; ok {
			return "", authError(c.Type(), "login", "%s", msg)
		}
		return "", authError(c.Type(), "login", "code %d", code)
	}

	var data struct {
		SID string `json:"sid"`
	}
	if err := c.t.decodeJSON("login", out.Data, &data); err != nil {
		return "", err
	}
	if data.SID == "" {
		return "", newError(KindProtocol, c.Type(), "login", "no session id returned")
	}
	return data.SID, nil
}

func (c *DownloadStation) call(ctx context.Context, op, endpoint string, q url.Values, table map[int]string, result any) error {
	return c.session.do(ctx, func(sid string) error {
		query := url.Values{"_sid": {sid}}
		for k, v := range q {
			query[k] = v
		}
		resp, err := c.t.do(ctx, op, request{path: endpoint, query: query})
		if err != nil {
			return err
		}
		data, err := c.decode(op, resp, table)
		if err != nil {
			return err
		}
		if result != nil && len(data) > 0 {
			return c.t.decodeJSON(op, data, result)
		}
		return nil
	})
}

func (c *DownloadStation) TestConnection(ctx context.Context) TestResult {
	var info struct {
		VersionString string `json:"version_string"`
	}
	err := c.call(ctx, "test", synoInfoPath, url.Values{
		"api":     {"SYNO.DownloadStation.Info"},
		"version": {"1"},
		"method":  {"getinfo"},
	}, nil, &info)
	return testResult(c.Type(), info.VersionString, err)
}

func (c *DownloadStation) destination() string {
	return strings.TrimPrefix(c.settings.downloadDir(""), "/")
}

func (c *DownloadStation) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	if err := c.createFromURI(ctx, strings.TrimSpace(magnetLink)); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *DownloadStation) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	if err := c.createFromFile(ctx, filename, content, "application/x-bittorrent"); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *DownloadStation) AddNzbFromURL(ctx context.Context, nzbURL string) (string, error) {
	if !IsHTTPURL(nzbURL) {
		return "", invalidRequest(c.Type(), "add", "nzb url must be http(s)")
	}
	return "", c.createFromURI(ctx, strings.TrimSpace(nzbURL))
}

func (c *DownloadStation) AddNzbFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", invalidRequest(c.Type(), "add", "nzb file is empty")
	}
	return "", c.createFromFile(ctx, nzbFilename(filename), content, "application/x-nzb")
}

func (c *DownloadStation) createFromURI(ctx context.Context, uri string) error {
	q := url.Values{
		"api":     {"SYNO.DownloadStation.Task"},
		"version": {"1"},
		"method":  {"create"},
		"uri":     {uri},
	}
	if dest := c.destination(); dest != "" {
		q.Set("destination", dest)
	}
	return c.call(ctx, "add", synoTaskPath, q, synoTaskErrors, nil)
}

func (c *DownloadStation) createFromFile(ctx context.Context, filename string, content []byte, mimeType string) error {
	return c.session.do(ctx, func(sid string) error {
		fields := []formField{
			{"api", "SYNO.DownloadStation.Task"},
			{"version", "1"},
			{"method", "create"},
			{"_sid", sid},
		}
		if dest := c.destination(); dest != "" {
			fields = append(fields, formField{"destination", dest})
		}
		body, ct, err := multipartBody(fields, []formFile{{field: "file", filename: filename, content: content, mimeType: mimeType}})
		if err != nil {
			return wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode upload")
		}
		resp, err := c.t.do(ctx, "add", request{
			method:      http.MethodPost,
			path:        synoTaskPath,
			body:        body,
			contentType: ct,
		})
		if err != nil {
			return err
		}
		_, err = c.decode("add", resp, synoTaskErrors)
		return err
	})
}

type synoTask struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Size       int64  `json:"size"`
	Status     string `json:"status"`
	Type       string `json:"type"`
	Additional struct {
		Detail struct {
			Destination string `json:"destination"`
			URI         string `json:"uri"`
		} `json:"detail"`
		Transfer struct {
			SizeDownloaded int64 `json:"size_downloaded"`
		} `json:"transfer"`
	} `json:"additional"`
}

func (c *DownloadStation) GetDownloads(ctx context.Context) ([]Download, error) {
	var out struct {
		Tasks []synoTask `json:"tasks"`
	}
	if err := c.call(ctx, "list", synoTaskPath, url.Values{
		"api":        {"SYNO.DownloadStation.Task"},
		"version":    {"1"},
		"method":     {"list"},
		"additional": {"detail,transfer"},
	}, synoTaskErrors, &out); err != nil {
		return nil, err
	}

	downloads := make([]Download, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		protocol := ProtocolTorrent
		if t.Type == "nzb" {
			protocol = ProtocolUsenet
		}
		progress := 0.0
		if t.Size > 0 {
			progress = float64(t.Additional.Transfer.SizeDownloaded) / float64(t.Size) * 100
		}
		downloads = append(downloads, Download{
			ID:         t.ID,
			Name:       t.Title,
			Status:     synoStatus(t.Status),
			Progress:   progress,
			Size:       t.Size,
			Downloaded: t.Additional.Transfer.SizeDownloaded,
			SavePath:   t.Additional.Detail.Destination,
			Protocol:   protocol,
		})
	}
	return downloads, nil
}

func synoStatus(s string) DownloadStatus {
	switch s {
	case "waiting":
		return StatusQueued
	case "downloading", "extracting", "filehosting_waiting":
		return StatusDownloading
	case "paused":
		return StatusPaused
	case "finishing", "hash_checking":
		return StatusChecking
	case "finished":
		return StatusCompleted
	case "seeding":
		return StatusSeeding
	case "error":
		return StatusError
	default:
		return StatusUnknown
	}
}

func (c *DownloadStation) taskMethod(ctx context.Context, method, id string, extra url.Values) error {
	q := url.Values{
		"api":     {"SYNO.DownloadStation.Task"},
		"version": {"1"},
		"method":  {method},
		"id":      {id},
	}
	for k, v := range extra {
		q[k] = v
	}
	var results []struct {
		Error int    `json:"error"`
		ID    string `json:"id"`
	}
	if err := c.call(ctx, method, synoTaskPath, q, synoTaskErrors, &results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != 0 {
			msg := synoTaskErrors[r.Error]
			if msg == "" {
				msg = "request failed"
			}
			return rejected(c.Type(), method, "%s (code %d)", msg, r.Error)
		}
	}
	return nil
}

// RemoveDownload deletes the task. DownloadStation keeps payload files of
// finished tasks; deleteData is ignored.
func (c *DownloadStation) RemoveDownload(ctx context.Context, id string, _ bool) error {
	return c.taskMethod(ctx, "delete", id, url.Values{"force_complete": {"false"}})
}

func (c *DownloadStation) PauseDownload(ctx context.Context, id string) error {
	return c.taskMethod(ctx, "pause", id, nil)
}

func (c *DownloadStation) ResumeDownload(ctx context.Context, id string) error {
	return c.taskMethod(ctx, "resume", id, nil)
}
