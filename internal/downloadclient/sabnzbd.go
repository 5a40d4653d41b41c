// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const sabnzbdMinVersion = "0.7.0"

// SABnzbd speaks the SABnzbd api endpoint with an API key.
type SABnzbd struct {
	settings Settings
	t        *transport
}

func newSABnzbd(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	return &SABnzbd{settings: s, t: t}, nil
}

func (c *SABnzbd) Type() ClientType { return TypeSABnzbd }

type sabnzbdStatus struct {
	Status *bool  `json:"status"`
	Error  string `json:"error"`
}

func (c *SABnzbd) call(ctx context.Context, mode string, q url.Values, body []byte, contentType string, result any) error {
	query := url.Values{
		"mode":   {mode},
		"output": {"json"},
		"apikey": {c.settings.APIKey},
	}
	for k, v := range q {
		query[k] = v
	}
	r := request{path: "/api", query: query}
	if body != nil {
		r.method = http.MethodPost
		r.body = body
		r.contentType = contentType
	}

	resp, err := c.t.send(ctx, mode, r)
	if err != nil {
		return err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return authError(c.Type(), mode, "api key rejected")
	}
	if err := c.t.check(mode, resp); err != nil {
		return err
	}

	var st sabnzbdStatus
	if json.Unmarshal(resp.body, &st) == nil && st.Status != nil && !*st.Status {
		if strings.Contains(strings.ToLower(st.Error), "api key") {
			return authError(c.Type(), mode, "%s", st.Error)
		}
		return rejected(c.Type(), mode, "%s", st.Error)
	}
	if result != nil {
		return c.t.decodeJSON(mode, resp.body, result)
	}
	return nil
}

func (c *SABnzbd) TestConnection(ctx context.Context) TestResult {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "version", nil, nil, "", &v); err != nil {
		return testResult(c.Type(), "", err)
	}
	if err := checkMinVersion(c.Type(), v.Version, sabnzbdMinVersion); err != nil {
		return testResult(c.Type(), v.Version, err)
	}
	// version needs no key; the queue call proves the key works.
	err := c.call(ctx, "queue", url.Values{"limit": {"0"}}, nil, "", nil)
	return testResult(c.Type(), v.Version, err)
}

func (c *SABnzbd) addParams() url.Values {
	s := c.settings
	q := url.Values{}
	if s.Category != "" {
		q.Set("cat", s.Category)
	}
	priority := int(s.Priority)
	if s.AddPaused {
		priority = -2
	}
	q.Set("priority", strconv.Itoa(priority))
	return q
}

type sabnzbdAdded struct {
	NzoIDs []string `json:"nzo_ids"`
}

func (c *SABnzbd) added(out sabnzbdAdded) (string, error) {
	if len(out.NzoIDs) == 0 {
		return "", rejected(c.Type(), "add", "nzb was rejected")
	}
	return out.NzoIDs[0], nil
}

func (c *SABnzbd) AddNzbFromURL(ctx context.Context, nzbURL string) (string, error) {
	nzbURL = strings.TrimSpace(nzbURL)
	if !IsHTTPURL(nzbURL) {
		return "", invalidRequest(c.Type(), "add", "nzb url must be http(s)")
	}
	q := c.addParams()
	q.Set("name", nzbURL)
	var out sabnzbdAdded
	if err := c.call(ctx, "addurl", q, nil, "", &out); err != nil {
		return "", err
	}
	return c.added(out)
}

func (c *SABnzbd) AddNzbFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", invalidRequest(c.Type(), "add", "nzb file is empty")
	}
	body, ct, err := multipartBody(nil, []formFile{{field: "name", filename: nzbFilename(filename), content: content, mimeType: "application/x-nzb"}})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode nzb")
	}
	var out sabnzbdAdded
	if err := c.call(ctx, "addfile", c.addParams(), body, ct, &out); err != nil {
		return "", err
	}
	return c.added(out)
}

type sabnzbdQueue struct {
	Queue struct {
		Slots []struct {
			NzoID      string `json:"nzo_id"`
			Filename   string `json:"filename"`
			Cat        string `json:"cat"`
			Status     string `json:"status"`
			Percentage string `json:"percentage"`
			MB         string `json:"mb"`
			MBLeft     string `json:"mbleft"`
		} `json:"slots"`
	} `json:"queue"`
}

type sabnzbdHistory struct {
	History struct {
		Slots []struct {
			NzoID    string `json:"nzo_id"`
			Name     string `json:"name"`
			Category string `json:"category"`
			Status   string `json:"status"`
			Bytes    int64  `json:"bytes"`
			Storage  string `json:"storage"`
		} `json:"slots"`
	} `json:"history"`
}

func (c *SABnzbd) GetDownloads(ctx context.Context) ([]Download, error) {
	filter := url.Values{}
	if c.settings.Category != "" {
		filter.Set("cat", c.settings.Category)
	}

	var queue sabnzbdQueue
	if err := c.call(ctx, "queue", filter, nil, "", &queue); err != nil {
		return nil, err
	}
	var history sabnzbdHistory
	if err := c.call(ctx, "history", filter, nil, "", &history); err != nil {
		return nil, err
	}

	out := make([]Download, 0, len(queue.Queue.Slots)+len(history.History.Slots))
	for _, s := range queue.Queue.Slots {
		mb, _ := strconv.ParseFloat(s.MB, 64)
		left, _ := strconv.ParseFloat(s.MBLeft, 64)
		pct, _ := strconv.ParseFloat(s.Percentage, 64)
		out = append(out, Download{
			ID:         s.NzoID,
			Name:       s.Filename,
			Category:   s.Cat,
			Status:     sabnzbdQueueStatus(s.Status),
			Progress:   pct,
			Size:       int64(mb * (1 << 20)),
			Downloaded: int64((mb - left) * (1 << 20)),
			Protocol:   ProtocolUsenet,
		})
	}
	for _, s := range history.History.Slots {
		status := StatusChecking
		switch s.Status {
		case "Completed":
			status = StatusCompleted
		case "Failed":
			status = StatusError
		}
		out = append(out, Download{
			ID:         s.NzoID,
			Name:       s.Name,
			Category:   s.Category,
			Status:     status,
			Progress:   100,
			Size:       s.Bytes,
			Downloaded: s.Bytes,
			SavePath:   s.Storage,
			Protocol:   ProtocolUsenet,
		})
	}
	return out, nil
}

func sabnzbdQueueStatus(s string) DownloadStatus {
	switch s {
	case "Downloading", "Grabbing", "Fetching":
		return StatusDownloading
	case "Paused":
		return StatusPaused
	case "Queued", "Idle":
		return StatusQueued
	case "Checking", "QuickCheck", "Verifying", "Repairing", "Extracting", "Moving", "Running":
		return StatusChecking
	default:
		return StatusUnknown
	}
}

func (c *SABnzbd) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	q := url.Values{"name": {"delete"}, "value": {id}}
	if deleteData {
		q.Set("del_files", "1")
	}
	if err := c.call(ctx, "queue", q, nil, "", nil); err != nil {
		return err
	}
	// Finished items live in history; deleting a missing id is a no-op there.
	return c.call(ctx, "history", q, nil, "", nil)
}

func (c *SABnzbd) PauseDownload(ctx context.Context, id string) error {
	return c.call(ctx, "queue", url.Values{"name": {"pause"}, "value": {id}}, nil, "", nil)
}

func (c *SABnzbd) ResumeDownload(ctx context.Context, id string) error {
	return c.call(ctx, "queue", url.Values{"name": {"resume"}, "value": {id}}, nil, "", nil)
}

func (c *SABnzbd) SetLabel(ctx context.Context, id, label string) error {
	return c.call(ctx, "change_cat", url.Values{"value": {id}, "value2": {label}}, nil, "", nil)
}
