// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/borrowarr/borrowarr/internal/buildinfo"
)

const maxResponseBody = 8 << 20

// transport is the shared HTTP layer of every network adapter.
type transport struct {
	client   ClientType
	base     *url.URL
	http     *http.Client
	timeout  time.Duration
	username string
	password string
	log      zerolog.Logger
}

func newTransport(s Settings, withJar bool) (*transport, error) {
	base, err := s.BaseURL()
	if err != nil {
		return nil, err
	}

	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.MaxIdleConnsPerHost = 4
	if s.TLSSkipVerify {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	hc := &http.Client{
		Transport: rt,
		// Redirects are surfaced, adapters never follow them silently.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	if withJar {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, errors.Wrap(err, "could not create cookie jar")
		}
		hc.Jar = jar
	}

	return &transport{
		client:   s.Type,
		base:     base,
		http:     hc,
		timeout:  s.timeout(),
		username: s.Username,
		password: s.Password,
		log: log.Logger.With().
			Str("module", "downloadclient").
			Str("client", string(s.Type)).
			Int("clientID", s.ID).
			Logger(),
	}, nil
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	header      http.Header
	cookies     []*http.Cookie
	basicAuth   bool
}

type response struct {
	status  int
	header  http.Header
	body    []byte
	cookies []*http.Cookie
}

func (t *transport) endpoint(p string) string {
	u := *t.base
	u.Path = path.Join("/", t.base.Path, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

// send performs one HTTP exchange bounded by the transport timeout. Only
// transport failures are returned as errors, status handling is the caller's.
func (t *transport) send(ctx context.Context, op string, r request) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	method := r.method
	if method == "" {
		method = http.MethodGet
	}

	target := t.endpoint(r.path)
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, wrapError(KindInvalidRequest, t.client, op, err, "could not build request")
	}

	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, vals := range r.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for _, c := range r.cookies {
		req.AddCookie(c)
	}
	if r.basicAuth && (t.username != "" || t.password != "") {
		req.SetBasicAuth(t.username, t.password)
	}

	start := time.Now()
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, t.connectionError(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, t.connectionError(ctx, op, err)
	}

	t.log.Trace().
		Str("op", op).
		Str("method", method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend request")

	return &response{
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    data,
		cookies: resp.Cookies(),
	}, nil
}

func (t *transport) connectionError(ctx context.Context, op string, err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return wrapError(KindConnection, t.client, op, err, "connection to host timed out after %s", t.timeout)
	case errors.As(err, &netErr) && netErr.Timeout():
		return wrapError(KindConnection, t.client, op, err, "connection to host timed out after %s", t.timeout)
	case errors.Is(err, context.Canceled):
		return wrapError(KindConnection, t.client, op, err, "request canceled")
	}

	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) || errors.As(err, &invalid) {
		return wrapError(KindConnection, t.client, op, err, "tls certificate verification failed for host %s", t.base.Host)
	}

	return wrapError(KindConnection, t.client, op, err, "unable to connect to host %s", t.base.Host)
}

// check maps HTTP status codes onto the error taxonomy.
func (t *transport) check(op string, resp *response) error {
	var e *Error
	switch {
	case resp.status >= 200 && resp.status < 300:
		return nil
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		e = newError(KindAuthentication, t.client, op, "authentication rejected by backend (status %d)", resp.status)
		e.sessionRejected = true
	case resp.status == http.StatusNotFound:
		e = newError(KindProtocol, t.client, op, "endpoint not found (check url base)")
	case resp.status >= 300 && resp.status < 400:
		e = newError(KindProtocol, t.client, op, "unexpected redirect (status %d)", resp.status)
	case resp.status < 500:
		e = rejected(t.client, op, "request rejected (status %d): %s", resp.status, snippet(resp.body))
	default:
		e = newError(KindProtocol, t.client, op, "backend error (status %d)", resp.status)
	}
	e.Status = resp.status
	return e
}

// do is send followed by check.
func (t *transport) do(ctx context.Context, op string, r request) (*response, error) {
	resp, err := t.send(ctx, op, r)
	if err != nil {
		return nil, err
	}
	if err := t.check(op, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (t *transport) decodeJSON(op string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return protocolError(t.client, op, err, "malformed response: %s", snippet(data))
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func formBody(values url.Values) ([]byte, string) {
	return []byte(values.Encode()), "application/x-www-form-urlencoded"
}

func jsonBody(v any) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", errors.Wrap(err, "could not encode request")
	}
	return b, "application/json", nil
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	field    string
	filename string
	content  []byte
	mimeType string
}

// multipartBody encodes fields and files in order into a fresh buffer, so a
// request can be rebuilt for a retry.
func multipartBody(fields []formField, files []formFile) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", errors.Wrap(err, "could not write form field")
		}
	}
	for _, f := range files {
		mimeType := f.mimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename)}
		h["Content-Type"] = []string{mimeType}
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", errors.Wrap(err, "could not create form file")
		}
		if _, err := part.Write(f.content); err != nil {
			return nil, "", errors.Wrap(err, "could not write form file")
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", errors.Wrap(err, "could not finish form")
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func findCookie(cookies []*http.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
