// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fetcher downloads .torrent and .nzb payloads from indexer URLs for
// download clients that cannot fetch URLs themselves.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/borrowarr/borrowarr/internal/buildinfo"
)

const (
	// MaxReleaseBytes caps a fetched payload. Season-pack NZBs run into the
	// tens of megabytes.
	MaxReleaseBytes int64 = 32 << 20

	DefaultTimeout = 30 * time.Second

	downloadAttempts = 3
	retryDelay       = 500 * time.Millisecond
)

// DownloadError represents an HTTP error status from an indexer.
type DownloadError struct {
	StatusCode int
	URL        string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("release download from %s returned status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Is(target error) bool {
	_, ok := target.(*DownloadError)
	return ok
}

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *DownloadError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Release is a fetched payload. Indexers that redirect to a magnet link yield
// a Release with only MagnetLink set.
type Release struct {
	Filename    string
	Content     []byte
	ContentType string
	MagnetLink  string
}

type Fetcher struct {
	httpClient *http.Client
	attempts   uint
	delay      time.Duration
}

type Option func(*Fetcher)

// WithHTTPClient replaces the client. Its CheckRedirect is overridden.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

// WithRetry sets the number of attempts and the delay between them.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(f *Fetcher) {
		f.attempts = max(attempts, 1)
		f.delay = delay
	}
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		attempts:   downloadAttempts,
		delay:      retryDelay,
	}
	for _, opt := range opts {
		opt(f)
	}

	client := *f.httpClient
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.URL.Scheme == "magnet" {
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	f.httpClient = &client
	return f
}

// Fetch downloads rawURL, retrying server errors and network failures.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Release, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("invalid release url %q", RedactURL(rawURL))
	}

	var release *Release
	err = retry.Do(
		func() error {
			var err error
			release, err = f.fetchOnce(ctx, rawURL)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryableDownloadError),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("url", RedactURL(rawURL)).Msg("[FETCH] Release download failed with retryable error")
		}),
	)
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	req.Header.Set("Accept", "application/x-bittorrent, application/x-nzb, application/octet-stream")
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "release download failed")
	}
	defer resp.Body.Close()

	if loc := resp.Header.Get("Location"); resp.StatusCode >= 300 && resp.StatusCode < 400 && strings.HasPrefix(strings.ToLower(loc), "magnet:") {
		return &Release{MagnetLink: loc}, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &DownloadError{StatusCode: resp.StatusCode, URL: RedactURL(rawURL)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxReleaseBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read release body")
	}
	if int64(len(data)) > MaxReleaseBytes {
		return nil, errors.Errorf("release download exceeded %d bytes limit", MaxReleaseBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("release download returned an empty body")
	}

	// Some indexers answer 200 with a magnet link as the body
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "magnet:?") && len(trimmed) < 8192 {
		return &Release{MagnetLink: trimmed}, nil
	}

	return &Release{
		Filename:    releaseFilename(resp, req.URL),
		Content:     data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// releaseFilename prefers Content-Disposition, then the last URL path segment.
func releaseFilename(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return path.Base(name)
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL
	}
	if name := path.Base(u.Path); name != "." && name != "/" && name != "" {
		return name
	}
	return ""
}

// RedactURL drops the query, which usually carries an indexer api key.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	u.Fragment = ""
	return u.String()
}

// isRetryableDownloadError determines if a download error is worth retrying.
// Server errors (5xx) and network errors are retried; client errors (4xx) are not.
func isRetryableDownloadError(err error) bool {
	if err == nil {
		return false
	}

	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		return dlErr.StatusCode >= 500 && dlErr.StatusCode < 600
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
