// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package grab hands releases to download clients.
package grab

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/models"
	"github.com/borrowarr/borrowarr/internal/services/fetcher"
)

// Request describes a release to hand to a download client.
type Request struct {
	ClientID    int                     `json:"clientId,omitempty"`
	DownloadURL string                  `json:"downloadUrl,omitempty"`
	MagnetLink  string                  `json:"magnetLink,omitempty"`
	Protocol    downloadclient.Protocol `json:"protocol,omitempty"`
	Title       string                  `json:"title,omitempty"`
	Filename    string                  `json:"filename,omitempty"`
	FileContent []byte                  `json:"-"`
}

// Result is the outcome of a grab. Failures are reported here rather than as
// an error so callers always get a structured answer.
type Result struct {
	Success    bool                     `json:"success"`
	Identifier string                   `json:"identifier,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Kind       downloadclient.ErrorKind `json:"kind,omitempty"`
}

// ClientStore picks a default client when a grab names none.
type ClientStore interface {
	FirstEnabled(ctx context.Context, protocol downloadclient.Protocol) (*models.DownloadClient, error)
}

// Fetcher downloads release payloads for clients that cannot fetch URLs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetcher.Release, error)
}

// ClientPool resolves adapters.
type ClientPool interface {
	Get(ctx context.Context, id int) (downloadclient.Client, error)
	Acquire(s downloadclient.Settings) (downloadclient.Client, error)
	Observe(id int, err error)
}

type Service struct {
	store   ClientStore
	pool    ClientPool
	fetcher Fetcher
	metrics *Metrics
	history *history
	log     zerolog.Logger
}

func NewService(store ClientStore, pool ClientPool, f Fetcher, metrics *Metrics) *Service {
	return &Service{
		store:   store,
		pool:    pool,
		fetcher: f,
		metrics: metrics,
		history: newHistory(),
		log:     log.With().Str("module", "grab").Logger(),
	}
}

// Grab hands req to the client described by settings. Settings with an id
// reuse the pooled adapter of that id.
func (s *Service) Grab(ctx context.Context, req Request, settings downloadclient.Settings) Result {
	start := time.Now()
	protocol, err := validate(req)
	if err != nil {
		return s.finish(req, settings.ID, settings.Type, protocol, "", err, start)
	}

	client, err := s.pool.Acquire(settings)
	if err != nil {
		return s.finish(req, settings.ID, settings.Type, protocol, "", err, start)
	}

	protocol = refineProtocol(req, protocol, client)
	id, err := s.grab(ctx, client, req, protocol)
	s.pool.Observe(settings.ID, err)
	return s.finish(req, settings.ID, client.Type(), protocol, id, err, start)
}

// GrabWithClient hands req to the stored client clientID. A clientID of 0
// picks the first enabled client, in sort order, that handles the protocol.
func (s *Service) GrabWithClient(ctx context.Context, clientID int, req Request) Result {
	start := time.Now()
	protocol, err := validate(req)
	if err != nil {
		return s.finish(req, clientID, "", protocol, "", err, start)
	}

	if clientID == 0 {
		if s.store == nil {
			return s.finish(req, 0, "", protocol, "", downloadclient.InvalidRequest("", "grab", "no download client selected"), start)
		}
		stored, err := s.store.FirstEnabled(ctx, protocol)
		if err != nil {
			if errors.Is(err, models.ErrDownloadClientNotFound) {
				err = downloadclient.InvalidRequest("", "grab", "no enabled download client handles %s releases", protocol)
			}
			return s.finish(req, 0, "", protocol, "", err, start)
		}
		clientID = stored.ID
	}

	client, err := s.pool.Get(ctx, clientID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDownloadClientNotFound), errors.Is(err, downloadclient.ErrClientNotFound):
			err = downloadclient.InvalidRequest("", "grab", "download client %d not found", clientID)
		case errors.Is(err, downloadclient.ErrClientDisabled):
			err = downloadclient.InvalidRequest("", "grab", "download client %d is disabled", clientID)
		}
		return s.finish(req, clientID, "", protocol, "", err, start)
	}

	protocol = refineProtocol(req, protocol, client)
	id, err := s.grab(ctx, client, req, protocol)
	s.pool.Observe(clientID, err)
	return s.finish(req, clientID, client.Type(), protocol, id, err, start)
}

// History returns recent grabs of clientID, or of every client when
// clientID is 0, oldest first.
func (s *Service) History(clientID int) []HistoryEntry {
	return s.history.get(clientID)
}

// Forget drops the history of a deleted client.
func (s *Service) Forget(clientID int) {
	s.history.forget(clientID)
}

func (s *Service) grab(ctx context.Context, client downloadclient.Client, req Request, protocol downloadclient.Protocol) (string, error) {
	switch protocol {
	case downloadclient.ProtocolUsenet:
		uc, ok := client.(downloadclient.UsenetClient)
		if !ok {
			return "", downloadclient.InvalidRequest(client.Type(), "grab", "client does not support nzb")
		}
		if len(req.FileContent) > 0 {
			return uc.AddNzbFromFile(ctx, req.Filename, req.FileContent)
		}
		if req.DownloadURL == "" {
			return "", downloadclient.InvalidRequest(client.Type(), "grab", "nzb grabs need a download url or file")
		}
		return uc.AddNzbFromURL(ctx, req.DownloadURL)

	default:
		tc, ok := client.(downloadclient.TorrentClient)
		if !ok {
			return "", downloadclient.InvalidRequest(client.Type(), "grab", "client does not support torrent")
		}
		if len(req.FileContent) > 0 {
			return tc.AddTorrentFromFile(ctx, req.Filename, req.FileContent)
		}
		link := strings.TrimSpace(req.MagnetLink)
		if link == "" {
			link = strings.TrimSpace(req.DownloadURL)
		}
		if client.Type() == downloadclient.TypeBlackhole && downloadclient.IsHTTPURL(link) {
			return s.fetchAndAdd(ctx, tc, link)
		}
		return tc.AddTorrentFromMagnet(ctx, link)
	}
}

// fetchAndAdd downloads the torrent for clients that only accept files.
func (s *Service) fetchAndAdd(ctx context.Context, tc downloadclient.TorrentClient, link string) (string, error) {
	if s.fetcher == nil {
		return "", downloadclient.InvalidRequest(tc.Type(), "grab", "client cannot fetch urls")
	}
	release, err := s.fetcher.Fetch(ctx, link)
	if err != nil {
		kind := downloadclient.KindConnection
		var dlErr *fetcher.DownloadError
		if errors.As(err, &dlErr) {
			kind = downloadclient.KindRejected
		}
		return "", downloadclient.WrapError(kind, tc.Type(), "fetch", err, "could not download release from %s", fetcher.RedactURL(link))
	}
	if release.MagnetLink != "" {
		return tc.AddTorrentFromMagnet(ctx, release.MagnetLink)
	}
	return tc.AddTorrentFromFile(ctx, release.Filename, release.Content)
}

func (s *Service) finish(req Request, clientID int, clientType downloadclient.ClientType, protocol downloadclient.Protocol, identifier string, err error, start time.Time) Result {
	elapsed := time.Since(start)

	res := Result{Success: err == nil, Identifier: identifier}
	outcome := "success"
	if err != nil {
		res.Error = err.Error()
		res.Kind = downloadclient.KindOf(err)
		outcome = string(res.Kind)
	}

	typeLabel := string(clientType)
	if typeLabel == "" {
		typeLabel = "unknown"
	}
	s.metrics.observe(typeLabel, string(protocol), outcome, elapsed)

	source := describeSource(req)
	evt := s.log.Info()
	if err != nil {
		evt = s.log.Warn().Str("kind", string(res.Kind)).Str("error", res.Error)
		if cause := errors.Unwrap(err); cause != nil {
			s.log.Debug().Err(cause).Int("clientID", clientID).Msg("Grab failure cause")
		}
	}
	evt.Int("clientID", clientID).
		Str("client", typeLabel).
		Str("protocol", string(protocol)).
		Str("title", req.Title).
		Str("source", source).
		Str("identifier", identifier).
		Dur("duration", elapsed).
		Msg("Grab")

	if clientID != 0 {
		s.history.add(HistoryEntry{
			ClientID:   clientID,
			ClientType: clientType,
			Protocol:   protocol,
			Title:      req.Title,
			Source:     source,
			Success:    res.Success,
			Identifier: identifier,
			Error:      res.Error,
			Kind:       res.Kind,
			Duration:   elapsed,
			Timestamp:  start,
		})
	}

	return res
}

// validate checks req and returns the protocol it implies.
func validate(req Request) (downloadclient.Protocol, error) {
	protocol := InferProtocol(req)

	switch protocol {
	case downloadclient.ProtocolTorrent, downloadclient.ProtocolUsenet:
	default:
		return protocol, downloadclient.InvalidRequest("", "grab", "unknown protocol %q", protocol)
	}

	if len(req.FileContent) > 0 {
		if strings.TrimSpace(req.Filename) == "" {
			return protocol, downloadclient.InvalidRequest("", "grab", "file uploads need a filename")
		}
		return protocol, nil
	}
	if strings.TrimSpace(req.DownloadURL) == "" && strings.TrimSpace(req.MagnetLink) == "" {
		return protocol, downloadclient.InvalidRequest("", "grab", "a download url, magnet link or file is required")
	}
	if req.DownloadURL != "" && !downloadclient.IsHTTPURL(req.DownloadURL) && !downloadclient.IsMagnet(req.DownloadURL) {
		return protocol, downloadclient.InvalidRequest("", "grab", "download url must be http(s) or a magnet link")
	}
	if req.MagnetLink != "" && !downloadclient.IsMagnet(req.MagnetLink) {
		return protocol, downloadclient.InvalidRequest("", "grab", "magnet link is malformed")
	}
	return protocol, nil
}

// InferProtocol returns the explicit protocol of req, or guesses it from the
// magnet link and file extensions. The default is torrent.
func InferProtocol(req Request) downloadclient.Protocol {
	if p, ok := explicitProtocol(req); ok {
		return p
	}
	return downloadclient.ProtocolTorrent
}

func explicitProtocol(req Request) (downloadclient.Protocol, bool) {
	if req.Protocol != "" {
		return downloadclient.Protocol(strings.ToLower(string(req.Protocol))), true
	}
	if req.MagnetLink != "" || downloadclient.IsMagnet(req.DownloadURL) {
		return downloadclient.ProtocolTorrent, true
	}
	for _, name := range []string{req.Filename, urlPath(req.DownloadURL)} {
		switch strings.ToLower(path.Ext(name)) {
		case ".nzb":
			return downloadclient.ProtocolUsenet, true
		case ".torrent":
			return downloadclient.ProtocolTorrent, true
		}
	}
	return "", false
}

// refineProtocol sends releases of unknown type to the only protocol a
// single-protocol client speaks.
func refineProtocol(req Request, guessed downloadclient.Protocol, client downloadclient.Client) downloadclient.Protocol {
	if _, ok := explicitProtocol(req); ok {
		return guessed
	}
	caps := downloadclient.CapabilitiesOf(client)
	if caps.Usenet && !caps.Torrent {
		return downloadclient.ProtocolUsenet
	}
	return guessed
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func describeSource(req Request) string {
	switch {
	case len(req.FileContent) > 0:
		return "file:" + path.Base(req.Filename)
	case req.MagnetLink != "" || downloadclient.IsMagnet(req.DownloadURL):
		return "magnet"
	case req.DownloadURL != "":
		return fetcher.RedactURL(req.DownloadURL)
	}
	return ""
}
