// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const nzbvortexMinAPILevel = "2.3"

// NZBVortex speaks the NZBVortex REST API, authenticated by an apikey query
// parameter.
type NZBVortex struct {
	settings Settings
	t        *transport
}

func newNZBVortex(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	return &NZBVortex{settings: s, t: t}, nil
}

func (c *NZBVortex) Type() ClientType { return TypeNZBVortex }

type nzbvortexResult struct {
	Result   string `json:"result"`
	APILevel string `json:"apilevel"`
	AddUUID  string `json:"add_uuid"`
	ID       int64  `json:"id"`
}

func (c *NZBVortex) call(ctx context.Context, op string, r request) (*nzbvortexResult, error) {
	if r.query == nil {
		r.query = url.Values{}
	}
	r.query.Set("apikey", c.settings.APIKey)

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

	var out nzbvortexResult
	if err := c.t.decodeJSON(op, resp.body, &out); err != nil {
		return nil, err
	}
	switch strings.ToLower(out.Result) {
	case "", "ok":
		return &out, nil
	case "notloggedin", "invalidapikey", "noapikey":
		return nil, authError(c.Type(), op, "%s", out.Result)
	default:
		return nil, rejected(c.Type(), op, "%s", out.Result)
	}
}

func (c *NZBVortex) TestConnection(ctx context.Context) TestResult {
	out, err := c.call(ctx, "test", request{path: "/api/app/apilevel"})
	if err != nil {
		return testResult(c.Type(), "", err)
	}
	return testResult(c.Type(), out.APILevel, checkMinVersion(c.Type(), out.APILevel, nzbvortexMinAPILevel))
}

func (c *NZBVortex) identifier(out *nzbvortexResult) string {
	if out.AddUUID != "" {
		return out.AddUUID
	}
	if out.ID > 0 {
		return strconv.FormatInt(out.ID, 10)
	}
	return ""
}

func (c *NZBVortex) AddNzbFromURL(ctx context.Context, nzbURL string) (string, error) {
	nzbURL = strings.TrimSpace(nzbURL)
	if !IsHTTPURL(nzbURL) {
		return "", invalidRequest(c.Type(), "add", "nzb url must be http(s)")
	}
	q := url.Values{"url": {nzbURL}}
	if c.settings.Category != "" {
		q.Set("groupname", c.settings.Category)
	}
	out, err := c.call(ctx, "add", request{path: "/api/nzbadd", query: q})
	if err != nil {
		return "", err
	}
	return c.identifier(out), nil
}

func (c *NZBVortex) AddNzbFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", invalidRequest(c.Type(), "add", "nzb file is empty")
	}
	var fields []formField
	if c.settings.Category != "" {
		fields = append(fields, formField{"groupname", c.settings.Category})
	}
	body, ct, err := multipartBody(fields, []formFile{{field: "name", filename: nzbFilename(filename), content: content, mimeType: "application/x-nzb"}})
	if err != nil {
		return "", wrapError(KindInvalidRequest, c.Type(), "add", err, "could not encode nzb")
	}
	out, err := c.call(ctx, "add", request{method: http.MethodPost, path: "/api/nzbaddfile", body: body, contentType: ct})
	if err != nil {
		return "", err
	}
	return c.identifier(out), nil
}
