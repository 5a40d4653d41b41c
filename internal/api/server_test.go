// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/borrowarr/borrowarr/internal/config"
	"github.com/borrowarr/borrowarr/internal/database"
	"github.com/borrowarr/borrowarr/internal/domain"
	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/models"
	"github.com/borrowarr/borrowarr/internal/services/grab"
)

type routeKey struct {
	Method string
	Path   string
}

var undocumentedRoutes = map[routeKey]struct{}{
	{Method: http.MethodGet, Path: "/api/openapi.json"}: {},
}

func TestAllEndpointsDocumented(t *testing.T) {
	server := NewServer(newTestDependencies(t, "/"))

	router, err := server.Handler()
	require.NoError(t, err)

	actualRoutes := collectRouterRoutes(t, router)
	documentedRoutes := loadDocumentedRoutes(t)

	missingDocs := diffRoutes(actualRoutes, documentedRoutes)
	require.Empty(t, missingDocs, "the following routes are missing from the OpenAPI document:\n%s", formatRoutes(missingDocs))

	staleDocs := diffRoutes(documentedRoutes, actualRoutes)
	require.Empty(t, staleDocs, "the OpenAPI document lists routes that no longer exist:\n%s", formatRoutes(staleDocs))
}

func TestOpenAPIJSON(t *testing.T) {
	server := NewServer(newTestDependencies(t, "/"))
	router, err := server.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc.OpenAPI)
	assert.Contains(t, doc.Paths, "/api/grab")
}

func TestHealthEndpoints(t *testing.T) {
	server := NewServer(newTestDependencies(t, "/"))
	router, err := server.Handler()
	require.NoError(t, err)

	for _, path := range []string{"/health", "/healthz/readiness", "/healthz/liveness"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestReadinessFailsWhenDatabaseClosed(t *testing.T) {
	deps := newTestDependencies(t, "/")
	server := NewServer(deps)
	router, err := server.Handler()
	require.NoError(t, err)

	require.NoError(t, deps.DB.Close())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerHonorsBaseURL(t *testing.T) {
	server := NewServer(newTestDependencies(t, "/borrowarr"))
	router, err := server.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/borrowarr/api/download-clients/types", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var types []downloadclient.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &types))
	assert.Len(t, types, len(downloadclient.SupportedTypes()))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/borrowarr")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/download-clients/types", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerBaseURL(t *testing.T) {
	tests := map[string]string{
		"":           "/",
		"/":          "/",
		"/borrowarr": "/borrowarr/",
		"/x/":        "/x/",
	}
	for in, want := range tests {
		s := &Server{config: &config.AppConfig{Config: &domain.Config{BaseURL: in}}}
		assert.Equal(t, want, s.baseURL(), in)
	}
}

func newTestDependencies(t *testing.T, baseURL string) *Dependencies {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "borrowarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := models.NewDownloadClientStore(db, make([]byte, 32))
	require.NoError(t, err)

	pool := downloadclient.NewPool(store, downloadclient.PoolOptions{})
	t.Cleanup(func() { _ = pool.Close() })

	return &Dependencies{
		Config: &config.AppConfig{
			Config: &domain.Config{BaseURL: baseURL},
		},
		Version:             "test",
		DB:                  db,
		DownloadClientStore: store,
		ClientPool:          pool,
		GrabService:         grab.NewService(store, pool, nil, nil),
	}
}

func collectRouterRoutes(t *testing.T, r chi.Routes) map[routeKey]struct{} {
	t.Helper()

	routes := make(map[routeKey]struct{})
	err := chi.Walk(r, func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		if !isComparableMethod(method) {
			return nil
		}

		normalizedPath := normalizeRoutePath(route)
		if normalizedPath == "" {
			return nil
		}

		key := routeKey{Method: method, Path: normalizedPath}
		if _, skip := undocumentedRoutes[key]; skip {
			return nil
		}

		routes[key] = struct{}{}
		return nil
	})
	require.NoError(t, err)

	return routes
}

func loadDocumentedRoutes(t *testing.T) map[routeKey]struct{} {
	t.Helper()

	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(GetOpenAPISpec(), &doc))

	routes := make(map[routeKey]struct{})
	for path, operations := range doc.Paths {
		normalizedPath := normalizeRoutePath(path)
		if normalizedPath == "" {
			continue
		}

		for method := range operations {
			upper := strings.ToUpper(method)
			if !isComparableMethod(upper) {
				continue
			}
			routes[routeKey{Method: upper, Path: normalizedPath}] = struct{}{}
		}
	}

	return routes
}

func normalizeRoutePath(path string) string {
	if path == "" {
		return ""
	}

	if !strings.HasPrefix(path, "/api") && !strings.HasPrefix(path, "/health") {
		return ""
	}

	path = strings.ReplaceAll(path, "/*", "")
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}

	path = strings.ReplaceAll(path, "{clientID}", "{clientId}")
	path = strings.ReplaceAll(path, "{downloadID}", "{downloadId}")

	return path
}

func isComparableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func diffRoutes(left, right map[routeKey]struct{}) []routeKey {
	var missing []routeKey
	for key := range left {
		if _, ok := right[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Path == missing[j].Path {
			return missing[i].Method < missing[j].Method
		}
		return missing[i].Path < missing[j].Path
	})
	return missing
}

func formatRoutes(routes []routeKey) string {
	var b strings.Builder
	for _, route := range routes {
		fmt.Fprintf(&b, "- %s %s\n", route.Method, route.Path)
	}
	return b.String()
}

func TestDisplayAddr(t *testing.T) {
	tests := []struct {
		addr net.Addr
		want string
	}{
		{addr: &net.TCPAddr{IP: net.IPv4zero, Port: 3013}, want: "localhost:3013"},
		{addr: &net.TCPAddr{IP: net.IPv6unspecified, Port: 3013}, want: "localhost:3013"},
		{addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.5"), Port: 80}, want: "192.168.1.5:80"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, displayAddr(tt.addr))
	}
}

func TestListenAndServeReadySignals(t *testing.T) {
	deps := newTestDependencies(t, "/")
	deps.Config.Config.Host = "127.0.0.1"
	deps.Config.Config.Port = 0
	server := NewServer(deps)

	ready := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServeReady(ready) }()

	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never signalled readiness")
	}

	require.NoError(t, server.Shutdown(t.Context()))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}
