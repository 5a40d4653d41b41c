// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const rtorrentMinVersion = "0.9.0"

// RTorrent speaks XML-RPC to rTorrent's SCGI bridge.
type RTorrent struct {
	settings Settings
	t        *transport
	path     string
}

func newRTorrent(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	rpcPath := "/RPC2"
	if strings.Trim(s.URLBase, "/") != "" {
		rpcPath = ""
	}
	return &RTorrent{settings: s, t: t, path: rpcPath}, nil
}

func (c *RTorrent) Type() ClientType { return TypeRTorrent }

func (c *RTorrent) call(ctx context.Context, method string, params ...any) (any, error) {
	body, err := encodeXMLRPC(method, params...)
	if err != nil {
		return nil, wrapError(KindInvalidRequest, c.Type(), method, err, "could not encode %s", method)
	}
	resp, err := c.t.send(ctx, method, request{
		method:      http.MethodPost,
		path:        c.path,
		body:        body,
		contentType: "text/xml",
		basicAuth:   true,
	})
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return nil, authError(c.Type(), method, "invalid username or password")
	}
	if err := c.t.check(method, resp); err != nil {
		return nil, err
	}

	v, err := decodeXMLRPC(resp.body)
	if err != nil {
		var fault *xmlrpcFault
		if errors.As(err, &fault) {
			return nil, wrapError(KindRejected, c.Type(), method, err, "%s", fault.String)
		}
		return nil, protocolError(c.Type(), method, err, "malformed xml-rpc response")
	}
	return v, nil
}

func (c *RTorrent) TestConnection(ctx context.Context) TestResult {
	v, err := c.call(ctx, "system.client_version")
	if err != nil {
		return testResult(c.Type(), "", err)
	}
	reported, _ := v.(string)
	return testResult(c.Type(), reported, checkMinVersion(c.Type(), reported, rtorrentMinVersion))
}

// rtorrentPriority maps onto d.priority: 0 off, 1 low, 2 normal, 3 high.
func rtorrentPriority(p Priority) int {
	switch p {
	case PriorityLast:
		return 1
	case PriorityFirst:
		return 3
	default:
		return 2
	}
}

func (c *RTorrent) commands() []any {
	s := c.settings
	cmds := []any{}
	if s.Category != "" {
		cmds = append(cmds, "d.custom1.set="+s.Category)
	}
	if s.Directory != "" {
		cmds = append(cmds, "d.directory.set="+s.Directory)
	}
	cmds = append(cmds,
		"d.priority.set="+strconv.Itoa(rtorrentPriority(s.Priority)),
		"d.custom.set=addtime,"+strconv.FormatInt(time.Now().Unix(), 10),
	)
	return cmds
}

func (c *RTorrent) load(ctx context.Context, startMethod, pausedMethod string, payload any) error {
	method := startMethod
	if c.settings.AddPaused {
		method = pausedMethod
	}
	params := append([]any{"", payload}, c.commands()...)
	v, err := c.call(ctx, method, params...)
	if err != nil {
		return err
	}
	if code, ok := v.(int64); ok && code != 0 {
		return rejected(c.Type(), "add", "%s returned %d", method, code)
	}
	return nil
}

func (c *RTorrent) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	hash, err := linkHash(c.Type(), magnetLink, true)
	if err != nil {
		return "", err
	}
	if err := c.load(ctx, "load.start", "load.normal", strings.TrimSpace(magnetLink)); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *RTorrent) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, true)
	if err != nil {
		return "", err
	}
	if err := c.load(ctx, "load.raw_start", "load.raw", content); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *RTorrent) GetDownloads(ctx context.Context) ([]Download, error) {
	v, err := c.call(ctx, "d.multicall2", "", "main",
		"d.hash=", "d.name=", "d.custom1=", "d.state=", "d.complete=",
		"d.size_bytes=", "d.completed_bytes=", "d.directory=", "d.is_active=", "d.message=", "d.hashing=")
	if err != nil {
		return nil, err
	}
	rows, ok := v.([]any)
	if !ok {
		return nil, newError(KindProtocol, c.Type(), "list", "unexpected d.multicall2 result")
	}

	out := make([]Download, 0, len(rows))
	for _, row := range rows {
		f, ok := row.([]any)
		if !ok || len(f) < 11 {
			continue
		}
		category := xmlString(f[2])
		if c.settings.Category != "" && category != c.settings.Category {
			continue
		}
		size := xmlInt(f[5])
		done := xmlInt(f[6])
		progress := 0.0
		if size > 0 {
			progress = float64(done) / float64(size) * 100
		}
		out = append(out, Download{
			ID:         strings.ToUpper(xmlString(f[0])),
			Name:       xmlString(f[1]),
			Category:   category,
			Status:     rtorrentStatus(xmlInt(f[3]), xmlInt(f[4]), xmlInt(f[8]), xmlString(f[9]), xmlInt(f[10])),
			Progress:   progress,
			Size:       size,
			Downloaded: done,
			SavePath:   xmlString(f[7]),
			Protocol:   ProtocolTorrent,
		})
	}
	return out, nil
}

func rtorrentStatus(state, complete, active int64, message string, hashing int64) DownloadStatus {
	switch {
	case message != "" && !strings.Contains(strings.ToLower(message), "tracker"):
		return StatusError
	case hashing != 0:
		return StatusChecking
	case state == 0 && complete == 1:
		return StatusCompleted
	case state == 0:
		return StatusPaused
	case active == 0:
		return StatusPaused
	case complete == 1:
		return StatusSeeding
	default:
		return StatusDownloading
	}
}

func xmlString(v any) string {
	s, _ := v.(string)
	return s
}

func xmlInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func (c *RTorrent) hashCall(ctx context.Context, method, id string) error {
	_, err := c.call(ctx, method, strings.ToUpper(id))
	return err
}

// RemoveDownload erases the item. rTorrent has no delete-data switch; with
// deleteData the base path is removed through execute.throw first.
func (c *RTorrent) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	if deleteData {
		v, err := c.call(ctx, "d.base_path", strings.ToUpper(id))
		if err != nil {
			return err
		}
		if p := xmlString(v); p != "" && p != "/" {
			if _, err := c.call(ctx, "execute.throw", "", "rm", "-rf", "--", p); err != nil {
				return err
			}
		}
	}
	return c.hashCall(ctx, "d.erase", id)
}

func (c *RTorrent) PauseDownload(ctx context.Context, id string) error {
	return c.hashCall(ctx, "d.pause", id)
}

func (c *RTorrent) ResumeDownload(ctx context.Context, id string) error {
	return c.hashCall(ctx, "d.resume", id)
}

func (c *RTorrent) StartTorrent(ctx context.Context, id string) error {
	return c.hashCall(ctx, "d.start", id)
}

func (c *RTorrent) StopTorrent(ctx context.Context, id string) error {
	return c.hashCall(ctx, "d.stop", id)
}

func (c *RTorrent) SetLabel(ctx context.Context, id, label string) error {
	_, err := c.call(ctx, "d.custom1.set", strings.ToUpper(id), label)
	return err
}
