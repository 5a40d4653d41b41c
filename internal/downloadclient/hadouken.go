// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// Hadouken speaks Hadouken's REST API with an API key.
type Hadouken struct {
	settings Settings
	t        *transport
}

func newHadouken(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	return &Hadouken{settings: s, t: t}, nil
}

func (c *Hadouken) Type() ClientType { return TypeHadouken }

func (c *Hadouken) do(ctx context.Context, op string, r request) (*response, error) {
	r.header = http.Header{"X-ApiKey": {c.settings.APIKey}}
	resp, err := c.t.send(ctx, op, r)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return nil, authError(c.Type(), op, "api key rejected")
	}
	if err := c.t.check(op, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Hadouken) TestConnection(ctx context.Context) TestResult {
	resp, err := c.do(ctx, "test", request{path: "/api/system/info"})
	if err != nil {
		return testResult(c.Type(), "", err)
	}
	var info struct {
		Versions struct {
			Hadouken string `json:"hadouken"`
		} `json:"versions"`
	}
	if err := c.t.decodeJSON("test", resp.body, &info); err != nil {
		return testResult(c.Type(), "", err)
	}
	return testResult(c.Type(), info.Versions.Hadouken, nil)
}

func (c *Hadouken) options() map[string]any {
	s := c.settings
	opts := map[string]any{}
	if s.Category != "" {
		opts["label"] = s.Category
	}
	if s.Directory != "" {
		opts["savePath"] = s.Directory
	}
	if s.AddPaused {
		opts["paused"] = true
	}
	return opts
}

type hadoukenAdded struct {
	InfoHash string `json:"infoHash"`
	Error    string `json:"error"`
}

func (c *Hadouken) result(op string, resp *response) (string, error) {
	var out hadoukenAdded
	if len(strings.TrimSpace(string(resp.body))) == 0 {
		return "", nil
	}
	if err := c.t.decodeJSON(op, resp.body, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", rejected(c.Type(), op, "%s", out.Error)
	}
	return strings.ToLower(out.InfoHash), nil
}

func (c *Hadouken) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	body, ct, err := jsonBody(map[string]any{
		"url":    strings.TrimSpace(magnetLink),
		"params": c.options(),
	})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode request")
	}
	resp, err := c.do(ctx, "add", request{method: http.MethodPost, path: "/api/torrents/add-url", body: body, contentType: ct})
	if err != nil {
		return "", err
	}
	reported, err := c.result("add", resp)
	if err != nil {
		return "", err
	}
	if hash == "" {
		hash = reported
	}
	return hash, nil
}

func (c *Hadouken) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	opts := c.options()
	fields := make([]formField, 0, len(opts))
	for _, k := range []string{"label", "savePath", "paused"} {
		switch v := opts[k].(type) {
		case string:
			fields = append(fields, formField{k, v})
		case bool:
			fields = append(fields, formField{k, strconv.FormatBool(v)})
		}
	}
	body, ct, err := multipartBody(fields, []formFile{{field: "file", filename: filename, content: content, mimeType: "application/x-bittorrent"}})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode torrent")
	}
	resp, err := c.do(ctx, "add", request{method: http.MethodPost, path: "/api/torrents/add-file", body: body, contentType: ct})
	if err != nil {
		return "", err
	}
	if _, err := c.result("add", resp); err != nil {
		return "", err
	}
	return hash, nil
}
