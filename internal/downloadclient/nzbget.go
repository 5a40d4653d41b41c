// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"encoding/base64"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const nzbgetMinVersion = "12.0"

// NZBGet speaks NZBGet's JSON-RPC API.
type NZBGet struct {
	settings Settings
	t        *transport
	rpc      *jsonrpcCaller
}

func newNZBGet(s Settings) (Client, error) {
	t, err := newTransport(s, false)
	if err != nil {
		return nil, err
	}
	return &NZBGet{
		settings: s,
		t:        t,
		rpc:      &jsonrpcCaller{t: t, path: "/jsonrpc", basicAuth: true},
	}, nil
}

func (c *NZBGet) Type() ClientType { return TypeNZBGet }

func (c *NZBGet) call(ctx context.Context, method string, params []any, result any) error {
	err := c.rpc.call(ctx, method, params, result)
	var rpcErr *jsonrpcError
	if errors.As(err, &rpcErr) {
		return wrapError(KindRejected, c.Type(), method, err, "%s", rpcErr.Message)
	}
	return err
}

func (c *NZBGet) TestConnection(ctx context.Context) TestResult {
	var v string
	if err := c.call(ctx, "version", nil, &v); err != nil {
		return testResult(c.Type(), "", err)
	}
	return testResult(c.Type(), v, checkMinVersion(c.Type(), v, nzbgetMinVersion))
}

func nzbgetPriority(p Priority) int {
	switch p {
	case PriorityLast:
		return -100
	case PriorityFirst:
		return 100
	default:
		return 0
	}
}

func (c *NZBGet) append(ctx context.Context, name, content string) (string, error) {
	s := c.settings
	var id int64
	err := c.call(ctx, "append", []any{
		name,
		content,
		s.Category,
		nzbgetPriority(s.Priority),
		false,
		s.AddPaused,
		"",
		0,
		"SCORE",
		[]any{},
	}, &id)
	if err != nil {
		return "", err
	}
	if id <= 0 {
		return "", rejected(c.Type(), "add", "nzb was rejected")
	}
	return strconv.FormatInt(id, 10), nil
}

func (c *NZBGet) AddNzbFromURL(ctx context.Context, nzbURL string) (string, error) {
	nzbURL = strings.TrimSpace(nzbURL)
	if !IsHTTPURL(nzbURL) {
		return "", invalidRequest(c.Type(), "add", "nzb url must be http(s)")
	}
	return c.append(ctx, "", nzbURL)
}

func (c *NZBGet) AddNzbFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", invalidRequest(c.Type(), "add", "nzb file is empty")
	}
	return c.append(ctx, nzbFilename(filename), base64.StdEncoding.EncodeToString(content))
}

func nzbFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "download"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".nzb") {
		name += ".nzb"
	}
	return name
}

type nzbgetGroup struct {
	NZBID           int64  `json:"NZBID"`
	NZBName         string `json:"NZBName"`
	Name            string `json:"Name"`
	Category        string `json:"Category"`
	Status          string `json:"Status"`
	FileSizeMB      int64  `json:"FileSizeMB"`
	RemainingSizeMB int64  `json:"RemainingSizeMB"`
	DestDir         string `json:"DestDir"`
}

func (c *NZBGet) GetDownloads(ctx context.Context) ([]Download, error) {
	var queue, history []nzbgetGroup
	if err := c.call(ctx, "listgroups", []any{0}, &queue); err != nil {
		return nil, err
	}
	if err := c.call(ctx, "history", []any{false}, &history); err != nil {
		return nil, err
	}

	out := make([]Download, 0, len(queue)+len(history))
	add := func(g nzbgetGroup, name string, status DownloadStatus) {
		if c.settings.Category != "" && g.Category != c.settings.Category {
			return
		}
		size := g.FileSizeMB << 20
		done := (g.FileSizeMB - g.RemainingSizeMB) << 20
		progress := 100.0
		if size > 0 && status != StatusCompleted {
			progress = float64(done) / float64(size) * 100
		}
		out = append(out, Download{
			ID:         strconv.FormatInt(g.NZBID, 10),
			Name:       name,
			Category:   g.Category,
			Status:     status,
			Progress:   progress,
			Size:       size,
			Downloaded: done,
			SavePath:   g.DestDir,
			Protocol:   ProtocolUsenet,
		})
	}
	for _, g := range queue {
		add(g, g.NZBName, nzbgetQueueStatus(g.Status))
	}
	for _, g := range history {
		status := StatusCompleted
		if !strings.HasPrefix(g.Status, "SUCCESS") {
			status = StatusError
		}
		g.RemainingSizeMB = 0
		add(g, g.Name, status)
	}
	return out, nil
}

func nzbgetQueueStatus(s string) DownloadStatus {
	switch s {
	case "QUEUED":
		return StatusQueued
	case "PAUSED":
		return StatusPaused
	case "DOWNLOADING", "FETCHING":
		return StatusDownloading
	case "PP_QUEUED", "LOADING_PARS", "VERIFYING_SOURCES", "REPAIRING", "VERIFYING_REPAIRED",
		"RENAMING", "UNPACKING", "MOVING", "EXECUTING_SCRIPT":
		return StatusChecking
	case "PP_FINISHED":
		return StatusCompleted
	default:
		return StatusUnknown
	}
}

func (c *NZBGet) editQueue(ctx context.Context, command, id string) (bool, error) {
	nzbID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, invalidRequest(c.Type(), command, "invalid nzb id %q", id)
	}
	var ok bool
	if err := c.call(ctx, "editqueue", []any{command, 0, "", []int64{nzbID}}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *NZBGet) RemoveDownload(ctx context.Context, id string, deleteData bool) error {
	queueCmd, historyCmd := "GroupDelete", "HistoryDelete"
	if deleteData {
		queueCmd, historyCmd = "GroupFinalDelete", "HistoryFinalDelete"
	}
	ok, err := c.editQueue(ctx, queueCmd, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if ok, err = c.editQueue(ctx, historyCmd, id); err != nil {
		return err
	}
	if !ok {
		return rejected(c.Type(), "remove", "nzb %s not found", id)
	}
	return nil
}

func (c *NZBGet) PauseDownload(ctx context.Context, id string) error {
	return c.expectEdit(ctx, "GroupPause", id)
}

func (c *NZBGet) ResumeDownload(ctx context.Context, id string) error {
	return c.expectEdit(ctx, "GroupResume", id)
}

func (c *NZBGet) SetLabel(ctx context.Context, id, label string) error {
	nzbID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return invalidRequest(c.Type(), "label", "invalid nzb id %q", id)
	}
	var ok bool
	if err := c.call(ctx, "editqueue", []any{"GroupSetCategory", 0, label, []int64{nzbID}}, &ok); err != nil {
		return err
	}
	if !ok {
		return rejected(c.Type(), "label", "nzb %s not found", id)
	}
	return nil
}

func (c *NZBGet) expectEdit(ctx context.Context, command, id string) error {
	ok, err := c.editQueue(ctx, command, id)
	if err != nil {
		return err
	}
	if !ok {
		return rejected(c.Type(), command, "nzb %s not found", id)
	}
	return nil
}
