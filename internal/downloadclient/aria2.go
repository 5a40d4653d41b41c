// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const aria2MinVersion = "1.34.0"

// Aria2 speaks aria2's JSON-RPC interface.
type Aria2 struct {
	settings Settings
	t        *transport
	rpc      *jsonrpcCaller
}

func newAria2(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	rpcPath := "/jsonrpc"
	if strings.Trim(s.URLBase, "/") != "" {
		rpcPath = ""
	}
	return &Aria2{
		settings: s,
		t:        t,
		rpc:      &jsonrpcCaller{t: t, path: rpcPath, version: "2.0"},
	}, nil
}

func (c *Aria2) Type() ClientType { return TypeAria2 }

func (c *Aria2) call(ctx context.Context, method string, params []any, result any) error {
	if c.settings.SecretToken != "" {
		params = append([]any{"token:" + c.settings.SecretToken}, params...)
	}
	err := c.rpc.call(ctx, method, params, result)

	var rpcErr *jsonrpcError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == 1 && strings.EqualFold(rpcErr.Message, "Unauthorized") {
			return authError(c.Type(), method, "rpc secret rejected")
		}
		return wrapError(KindRejected, c.Type(), method, err, "%s", rpcErr.Message)
	}
	return err
}

func (c *Aria2) TestConnection(ctx context.Context) TestResult {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "aria2.getVersion", nil, &out); err != nil {
		return testResult(c.Type(), "", err)
	}
	return testResult(c.Type(), out.Version, checkMinVersion(c.Type(), out.Version, aria2MinVersion))
}

func (c *Aria2) options() map[string]string {
	opts := map[string]string{}
	if dir := c.settings.downloadDir(""); dir != "" {
		opts["dir"] = dir
	}
	if c.settings.AddPaused {
		opts["pause"] = "true"
	}
	return opts
}

// add enqueues and, for priority first, moves the gid to the queue head.
func (c *Aria2) add(ctx context.Context, method string, params []any) (string, error) {
	var gid string
	if err := c.call(ctx, method, params, &gid); err != nil {
		return "", err
	}
	if gid == "" {
		return "", rejected(c.Type(), "add", "no gid returned")
	}

	var how string
	switch c.settings.Priority {
	case PriorityFirst:
		how = "POS_SET"
	case PriorityLast:
		how = "POS_END"
	}
	if how != "" {
		if err := c.call(ctx, "aria2.changePosition", []any{gid, 0, how}, nil); err != nil {
			c.t.log.Debug().Err(err).Str("gid", gid).Str("position", how).Msg("could not reposition download")
		}
	}
	return gid, nil
}

func (c *Aria2) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	gid, err := c.add(ctx, "aria2.addUri", []any{[]string{strings.TrimSpace(magnetLink)}, c.options()})
	if err != nil {
		return "", err
	}
	if hash == "" {
		return gid, nil
	}
	return hash, nil
}

func (c *Aria2) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	if _, err := c.add(ctx, "aria2.addTorrent", []any{base64.StdEncoding.EncodeToString(content), []string{}, c.options()}); err != nil {
		return "", err
	}
	return hash, nil
}

type aria2Status struct {
	GID             string `json:"gid"`
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	InfoHash        string `json:"infoHash"`
	Dir             string `json:"dir"`
	Bittorrent      *struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
}

func (c *Aria2) statuses(ctx context.Context) ([]aria2Status, error) {
	var active, waiting, stopped []aria2Status
	if err := c.call(ctx, "aria2.tellActive", nil, &active); err != nil {
		return nil, err
	}
	if err := c.call(ctx, "aria2.tellWaiting", []any{0, 1000}, &waiting); err != nil {
		return nil, err
	}
	if err := c.call(ctx, "aria2.tellStopped", []any{0, 1000}, &stopped); err != nil {
		return nil, err
	}
	all := append(active, waiting...)
	return append(all, stopped...), nil
}

func (c *Aria2) GetDownloads(ctx context.Context) ([]Download, error) {
	all, err := c.statuses(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Download, 0, len(all))
	for _, s := range all {
		if s.InfoHash == "" {
			continue
		}
		size, _ := strconv.ParseInt(s.TotalLength, 10, 64)
		done, _ := strconv.ParseInt(s.CompletedLength, 10, 64)
		progress := 0.0
		if size > 0 {
			progress = float64(done) / float64(size) * 100
		}
		name := s.InfoHash
		if s.Bittorrent != nil && s.Bittorrent.Info.Name != "" {
			name = s.Bittorrent.Info.Name
		}
		out = append(out, Download{
			ID:         strings.ToLower(s.InfoHash),
			Name:       name,
			Status:     aria2DownloadStatus(s.Status, size > 0 && done >= size),
			Progress:   progress,
			Size:       size,
			Downloaded: done,
			SavePath:   s.Dir,
			Protocol:   ProtocolTorrent,
		})
	}
	return out, nil
}

func aria2DownloadStatus(status string, complete bool) DownloadStatus {
	switch status {
	case "active":
		if complete {
			return StatusSeeding
		}
		return StatusDownloading
	case "waiting":
		return StatusQueued
	case "paused":
		return StatusPaused
	case "complete", "removed":
		return StatusCompleted
	case "error":
		return StatusError
	default:
		return StatusUnknown
	}
}

// gid resolves an info-hash to its gid. Plain gids pass through.
func (c *Aria2) gid(ctx context.Context, id string) (string, aria2Status, error) {
	all, err := c.statuses(ctx)
	if err != nil {
		return "", aria2Status{}, err
	}
	for _, s := range all {
		if strings.EqualFold(s.InfoHash, id) || s.GID == id {
			return s.GID, s, nil
		}
	}
	return "", aria2Status{}, rejected(c.Type(), "lookup", "download %s not found", id)
}

// RemoveDownload removes the item. aria2 never deletes payload files.
func (c *Aria2) RemoveDownload(ctx context.Context, id string, _ bool) error {
	gid, s, err := c.gid(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == "active" || s.Status == "waiting" || s.Status == "paused" {
		if err := c.call(ctx, "aria2.forceRemove", []any{gid}, nil); err != nil {
			return err
		}
		// The result entry appears asynchronously once the removal settles.
		_ = c.call(ctx, "aria2.removeDownloadResult", []any{gid}, nil)
		return nil
	}
	return c.call(ctx, "aria2.removeDownloadResult", []any{gid}, nil)
}

func (c *Aria2) PauseDownload(ctx context.Context, id string) error {
	gid, _, err := c.gid(ctx, id)
	if err != nil {
		return err
	}
	return c.call(ctx, "aria2.pause", []any{gid}, nil)
}

func (c *Aria2) ResumeDownload(ctx context.Context, id string) error {
	gid, _, err := c.gid(ctx, id)
	if err != nil {
		return err
	}
	return c.call(ctx, "aria2.unpause", []any{gid}, nil)
}
