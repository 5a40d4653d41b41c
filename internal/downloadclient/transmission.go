// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

const (
	transmissionSessionHeader = "X-Transmission-Session-Id"
	// rpc-version 14 shipped with Transmission 2.40.
	transmissionMinRPC = 14
	// labels were added to torrent-add in rpc-version 17 (Transmission 4.0).
	transmissionLabelsRPC = 17
)

// Transmission speaks the Transmission RPC protocol. Vuze embeds it.
type Transmission struct {
	settings Settings
	t        *transport
	path     string

	mu        sync.Mutex
	sessionID string
	info      *transmissionSession
}

type transmissionSession struct {
	RPCVersion  int    `json:"rpc-version"`
	Version     string `json:"version"`
	DownloadDir string `json:"download-dir"`
}

func newTransmission(s Settings) (Client, error) {
	return newTransmissionClient(s)
}

func newTransmissionClient(s Settings) (*Transmission, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	rpcPath := "/transmission/rpc"
	if strings.Trim(s.URLBase, "/") != "" {
		rpcPath = "/rpc"
	}
	return &Transmission{settings: s, t: t, path: rpcPath}, nil
}

func (c *Transmission) Type() ClientType { return c.settings.Type }

type transmissionRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type transmissionResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

func (c *Transmission) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// rpc posts one method call. A 409 carries a fresh session id; the call is
// replayed once with it and a second 409 is a protocol error.
func (c *Transmission) rpc(ctx context.Context, method string, args any, result any) error {
	body, ct, err := jsonBody(transmissionRequest{Method: method, Arguments: args})
	if err != nil {
		return wrapError(KindInvalidRequest, c.Type(), method, err, "could not encode %s", method)
	}

	var resp *response
	for attempt := 0; attempt < 2; attempt++ {
		r := request{
			method:      http.MethodPost,
			path:        c.path,
			body:        body,
			contentType: ct,
			basicAuth:   true,
		}
		if id := c.currentSessionID(); id != "" {
			r.header = http.Header{transmissionSessionHeader: {id}}
		}

		resp, err = c.t.send(ctx, method, r)
		if err != nil {
			return err
		}
		if resp.status != http.StatusConflict {
			break
		}

		id := resp.header.Get(transmissionSessionHeader)
		if id == "" {
			return newError(KindProtocol, c.Type(), method, "session id missing from 409 response")
		}
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
		c.t.log.Debug().Msg("transmission session id refreshed")
	}

	if resp.status == http.StatusConflict {
		return newError(KindProtocol, c.Type(), method, "session id rejected twice")
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return authError(c.Type(), method, "invalid username or password")
	}
	if err := c.t.check(method, resp); err != nil {
		return err
	}

	var out transmissionResponse
	if err := c.t.decodeJSON(method, resp.body, &out); err != nil {
		return err
	}
	if out.Result != "success" {
		return rejected(c.Type(), method, "%s", out.Result)
	}
	if result != nil && len(out.Arguments) > 0 {
		return c.t.decodeJSON(method, out.Arguments, result)
	}
	return nil
}

func (c *Transmission) sessionInfo(ctx context.Context, refresh bool) (*transmissionSession, error) {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	if info != nil && !refresh {
		return info, nil
	}

	var s transmissionSession
	if err := c.rpc(ctx, "session-get", map[string]any{
		"fields": []string{"rpc-version", "version", "download-dir"},
	}, &s); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.info = &s
	c.mu.Unlock()
	return &s, nil
}

func (c *Transmission) testWithMinRPC(ctx context.Context, minRPC int, minLabel string) TestResult {
	info, err := c.sessionInfo(ctx, true)
	if err != nil {
		return testResult(c.Type(), "", err)
	}
	if info.RPCVersion < minRPC {
		return testResult(c.Type(), info.Version, versionTooLow(c.Type(), info.Version+" (rpc "+strconv.Itoa(info.RPCVersion)+")", minLabel))
	}
	return testResult(c.Type(), info.Version, nil)
}

func (c *Transmission) TestConnection(ctx context.Context) TestResult {
	return c.testWithMinRPC(ctx, transmissionMinRPC, "2.40")
}

func (c *Transmission) addArgs(ctx context.Context) (map[string]any, error) {
	s := c.settings
	args := map[string]any{
		"paused": s.AddPaused,
	}
	if s.Priority != PriorityNormal {
		args["bandwidthPriority"] = int(s.Priority)
	}

	base := ""
	if s.Directory == "" && s.Category != "" {
		info, err := c.sessionInfo(ctx, false)
		if err != nil {
			return nil, err
		}
		base = info.DownloadDir
	}
	if dir := s.downloadDir(base); dir != "" {
		args["download-dir"] = dir
	}

	if s.Category != "" {
		info, err := c.sessionInfo(ctx, false)
		if err != nil {
			return nil, err
		}
		if info.RPCVersion >= transmissionLabelsRPC {
			args["labels"] = []string{s.Category}
		}
	}
	return args, nil
}

type transmissionAdded struct {
	Added *struct {
		HashString string `json:"hashString"`
		ID         int    `json:"id"`
	} `json:"torrent-added"`
	Duplicate *struct {
		HashString string `json:"hashString"`
	} `json:"torrent-duplicate"`
}

func (c *Transmission) add(ctx context.Context, args map[string]any) (string, error) {
	var out transmissionAdded
	if err := c.rpc(ctx, "torrent-add", args, &out); err != nil {
		return "", err
	}
	switch {
	case out.Duplicate != nil:
		return "", rejected(c.Type(), "add", "torrent already exists (%s)", out.Duplicate.HashString)
	case out.Added == nil:
		return "", newError(KindProtocol, c.Type(), "add", "response did not include the added torrent")
	}
	return strings.ToLower(out.Added.HashString), nil
}

func (c *Transmission) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	args, err := c.addArgs(ctx)
	if err != nil {
		return "", err
	}
	args["filename"] = strings.TrimSpace(magnetLink)

	added, err := c.add(ctx, args)
	if err != nil {
		return "", err
	}
	if hash == "" {
		hash = added
	}
	return hash, nil
}

func (c *Transmission) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	args, err := c.addArgs(ctx)
	if err != nil {
		return "", err
	}
	args["metainfo"] = base64.StdEncoding.EncodeToString(content)

	if _, err := c.add(ctx, args); err != nil {
		return "", err
	}
	return hash, nil
}

type transmissionTorrent struct {
	HashString   string   `json:"hashString"`
	Name         string   `json:"name"`
	Status       int      `json:"status"`
	PercentDone  float64  `json:"percentDone"`
	TotalSize    int64    `json:"totalSize"`
	DownloadedEv int64    `json:"downloadedEver"`
	DownloadDir  string   `json:"downloadDir"`
	Labels       []string `json:"labels"`
	Error        int      `json:"error"`
	IsFinished   bool     `json:"isFinished"`
}

func (c *Transmission) GetDownloads(ctx context.Context) ([]Download, error) {
	var out struct {
		Torrents []transmissionTorrent `json:"torrents"`
	}
	if err := c.rpc(ctx, "torrent-get", map[string]any{
		"fields": []string{"hashString", "name", "status", "percentDone", "totalSize", "downloadedEver", "downloadDir", "labels", "error", "isFinished"},
	}, &out); err != nil {
		return nil, err
	}

	downloads := make([]Download, 0, len(out.Torrents))
	for _, t := range out.Torrents {
		category := ""
		if len(t.Labels) > 0 {
			category = t.Labels[0]
		}
		if c.settings.Category != "" && category != c.settings.Category && !strings.HasSuffix(t.DownloadDir, "/"+c.settings.Category) {
			continue
		}
		downloads = append(downloads, Download{
			ID:         strings.ToLower(t.HashString),
			Name:       t.Name,
			Category:   category,
			Status:     transmissionStatus(t),
			Progress:   t.PercentDone * 100,
			Size:       t.TotalSize,
			Downloaded: t.DownloadedEv,
			SavePath:   t.DownloadDir,
			Protocol:   ProtocolTorrent,
		})
	}
	return downloads, nil
}

func transmissionStatus(t transmissionTorrent) DownloadStatus {
	if t.Error != 0 {
		return StatusError
	}
	switch t.Status {
	case 0:
		if t.IsFinished || t.PercentDone >= 1 {
			return StatusCompleted
		}
		return StatusPaused
	case 1, 2:
		return StatusChecking
	case 3, 5:
		return StatusQueued
	case 4:
		return StatusDownloading
	case 6:
		return StatusSeeding
	default:
		return StatusUnknown
	}
}

func (c *Transmission) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	return c.rpc(ctx, "torrent-remove", map[string]any{
		"ids":               []string{strings.ToLower(id)},
		"delete-local-data": deleteData,
	}, nil)
}

func (c *Transmission) PauseDownload(ctx context.Context, id string) error {
	return c.rpc(ctx, "torrent-stop", map[string]any{"ids": []string{strings.ToLower(id)}}, nil)
}

func (c *Transmission) ResumeDownload(ctx context.Context, id string) error {
	return c.rpc(ctx, "torrent-start", map[string]any{"ids": []string{strings.ToLower(id)}}, nil)
}

// Vuze exposes a Transmission-compatible RPC through its Web Remote plugin.
type Vuze struct {
	*Transmission
}

// vuzeMinRPC is the Web Remote plugin's first rpc-version with working adds.
const vuzeMinRPC = 14

func newVuze(s Settings) (Client, error) {
	t, err := newTransmissionClient(s)
	if err != nil {
		return nil, err
	}
	return &Vuze{Transmission: t}, nil
}

func (c *Vuze) TestConnection(ctx context.Context) TestResult {
	info, err := c.sessionInfo(ctx, true)
	if err != nil {
		return testResult(c.Type(), "", err)
	}
	reported := strconv.Itoa(info.RPCVersion)
	if info.RPCVersion < vuzeMinRPC {
		return testResult(c.Type(), reported, versionTooLow(c.Type(), "rpc "+reported, "rpc "+strconv.Itoa(vuzeMinRPC)))
	}
	return testResult(c.Type(), info.Version, nil)
}
