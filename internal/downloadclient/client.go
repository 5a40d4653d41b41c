// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloadclient talks to torrent and usenet download clients over
// their own wire protocols and exposes them behind one set of interfaces.
package downloadclient

import (
	"context"
)

// Client is the base capability every adapter implements.
type Client interface {
	Type() ClientType
	// TestConnection performs the cheapest authenticated round trip. It never
	// returns an error; failures are reported in the result.
	TestConnection(ctx context.Context) TestResult
}

// TorrentClient accepts torrents by magnet/URL or by .torrent file.
type TorrentClient interface {
	Client
	AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error)
	AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error)
}

// UsenetClient accepts NZBs by URL or by file.
type UsenetClient interface {
	Client
	AddNzbFromURL(ctx context.Context, nzbURL string) (string, error)
	AddNzbFromFile(ctx context.Context, filename string, content []byte) (string, error)
}

// Manageable clients can list and control existing downloads.
type Manageable interface {
	GetDownloads(ctx context.Context) ([]Download, error)
	RemoveDownload(ctx context.Context, id string, deleteData bool) error
	PauseDownload(ctx context.Context, id string) error
	ResumeDownload(ctx context.Context, id string) error
}

// StartStopper clients distinguish start/stop from resume/pause.
type StartStopper interface {
	StartTorrent(ctx context.Context, id string) error
	StopTorrent(ctx context.Context, id string) error
}

// Labeler clients can re-label an existing download.
type Labeler interface {
	SetLabel(ctx context.Context, id, label string) error
}

// CategoryCreator clients keep a server-side list of categories.
type CategoryCreator interface {
	AddCategory(ctx context.Context, name string) error
}

// TestResult is the outcome of TestConnection.
type TestResult struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
	Version string    `json:"version,omitempty"`
}

// DownloadStatus is the normalized state of a download across backends.
type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusSeeding     DownloadStatus = "seeding"
	StatusCompleted   DownloadStatus = "completed"
	StatusChecking    DownloadStatus = "checking"
	StatusError       DownloadStatus = "error"
	StatusUnknown     DownloadStatus = "unknown"
)

// Download is a single item reported by a Manageable client.
type Download struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Category   string         `json:"category,omitempty"`
	Status     DownloadStatus `json:"status"`
	Progress   float64        `json:"progress"`
	Size       int64          `json:"size"`
	Downloaded int64          `json:"downloaded"`
	SavePath   string         `json:"savePath,omitempty"`
	Protocol   Protocol       `json:"protocol"`
}

// Capabilities describes what an adapter supports beyond TestConnection.
type Capabilities struct {
	Torrent        bool `json:"torrent"`
	Usenet         bool `json:"usenet"`
	Manage         bool `json:"manage"`
	StartStop      bool `json:"startStop"`
	SetLabel       bool `json:"setLabel"`
	CreateCategory bool `json:"createCategory"`
}

// CapabilitiesOf inspects c with type assertions.
func CapabilitiesOf(c Client) Capabilities {
	var caps Capabilities
	if c == nil {
		return caps
	}
	_, caps.Torrent = c.(TorrentClient)
	_, caps.Usenet = c.(UsenetClient)
	_, caps.Manage = c.(Manageable)
	_, caps.StartStop = c.(StartStopper)
	_, caps.SetLabel = c.(Labeler)
	_, caps.CreateCategory = c.(CategoryCreator)
	return caps
}

func testResult(client ClientType, version string, err error) TestResult {
	if err != nil {
		return TestResult{
			Success: false,
			Error:   err.Error(),
			Kind:    KindOf(err),
			Version: version,
		}
	}

	msg := "Connected to " + client.DisplayName()
	if version != "" {
		msg += " " + version
	}
	return TestResult{
		Success: true,
		Message: msg,
		Version: version,
	}
}
