// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borrowarr/borrowarr/internal/database"
	"github.com/borrowarr/borrowarr/internal/domain"
	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/models"
	"github.com/borrowarr/borrowarr/internal/services/grab"
)

const testMagnet = "magnet:?xt=urn:btih:AABBCCDDEEFF00112233445566778899AABBCCDD&dn=test"

type testEnv struct {
	store  *models.DownloadClientStore
	pool   *downloadclient.Pool
	grabs  *grab.Service
	router chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := models.NewDownloadClientStore(db, make([]byte, 32))
	require.NoError(t, err)

	pool := downloadclient.NewPool(store, downloadclient.PoolOptions{})
	t.Cleanup(func() { _ = pool.Close() })

	grabs := grab.NewService(store, pool, nil, nil)

	clients := NewDownloadClientsHandler(store, pool, grabs)
	downloads := NewDownloadsHandler(pool)
	grabHandler := NewGrabHandler(grabs)

	r := chi.NewRouter()
	r.Route("/download-clients", func(r chi.Router) {
		r.Get("/", clients.ListDownloadClients)
		r.Post("/", clients.CreateDownloadClient)
		r.Get("/types", clients.ListTypes)
		r.Post("/test", clients.TestSettings)
		r.Put("/order", clients.UpdateOrder)
		r.Route("/{clientID}", func(r chi.Router) {
			r.Get("/", clients.GetDownloadClient)
			r.Put("/", clients.UpdateDownloadClient)
			r.Delete("/", clients.DeleteDownloadClient)
			r.Put("/status", clients.UpdateDownloadClientStatus)
			r.Post("/test", clients.TestConnection)
			r.Get("/capabilities", clients.GetCapabilities)
			r.Get("/downloads", downloads.ListDownloads)
			r.Delete("/downloads/{downloadID}", downloads.RemoveDownload)
			r.Post("/downloads/{downloadID}/pause", downloads.PauseDownload())
			r.Post("/downloads/{downloadID}/start", downloads.StartDownload())
			r.Put("/downloads/{downloadID}/label", downloads.SetLabel)
			r.Post("/categories", downloads.AddCategory)
		})
	})
	r.Post("/grab", grabHandler.Grab)
	r.Get("/grab/history", grabHandler.History)

	return &testEnv{store: store, pool: pool, grabs: grabs, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type qbitBackend struct {
	adds       atomic.Int32
	categories atomic.Int32
}

func newQbitBackend(t *testing.T) (*qbitBackend, *httptest.Server) {
	t.Helper()
	b := &qbitBackend{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("password") != "adminadmin" {
			_, _ = w.Write([]byte("Fails."))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "sid"})
		_, _ = w.Write([]byte("Ok."))
	})
	mux.HandleFunc("/api/v2/app/webapiVersion", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("2.11.2"))
	})
	mux.HandleFunc("/api/v2/torrents/add", func(w http.ResponseWriter, r *http.Request) {
		b.adds.Add(1)
		_, _ = w.Write([]byte("Ok."))
	})
	mux.HandleFunc("/api/v2/torrents/info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"hash":"aabbccddeeff00112233445566778899aabbccdd","name":"test","category":"movies","state":"downloading","progress":0.5,"size":100,"downloaded":50,"save_path":"/data"}]`))
	})
	mux.HandleFunc("/api/v2/torrents/createCategory", func(w http.ResponseWriter, r *http.Request) {
		b.categories.Add(1)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func createQbit(t *testing.T, e *testEnv, host string) *models.DownloadClient {
	t.Helper()
	c, err := e.store.Create(t.Context(), &models.DownloadClient{
		Name:     "qbit",
		Type:     downloadclient.TypeQbittorrent,
		Host:     host,
		Username: "admin",
		Password: "adminadmin",
		Category: "movies",
		Enabled:  true,
	})
	require.NoError(t, err)
	return c
}

func TestCreateAndListDownloadClients(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/download-clients", map[string]any{
		"name":       "sab",
		"clientType": "SABnzbd",
		"host":       "localhost",
		"port":       8080,
		"apiKey":     "very-secret",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "very-secret")
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, domain.RedactedStr, created["apiKey"])

	rec = e.do(t, http.MethodPost, "/download-clients", map[string]any{"name": "sab", "clientType": "sabnzbd", "host": "localhost", "apiKey": "k"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/download-clients", map[string]any{"name": "x", "clientType": "bitcomet", "host": "localhost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(downloadclient.KindUnsupportedClientType))

	rec = e.do(t, http.MethodGet, "/download-clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sabnzbd", list[0]["clientType"])
}

func TestGetUpdateDeleteDownloadClient(t *testing.T) {
	e := newTestEnv(t)
	c := createQbit(t, e, "http://localhost:8080")

	rec := e.do(t, http.MethodGet, "/download-clients/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/download-clients/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/download-clients/"+itoa(c.ID), map[string]any{
		"name":       "renamed",
		"clientType": "qbittorrent",
		"host":       "http://localhost:8080",
		"username":   "admin",
		"password":   domain.RedactedStr,
		"enabled":    true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := e.store.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Name)
	assert.Equal(t, "adminadmin", stored.Password)

	rec = e.do(t, http.MethodPut, "/download-clients/"+itoa(c.ID)+"/status", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err = e.store.Get(t.Context(), c.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	rec = e.do(t, http.MethodDelete, "/download-clients/"+itoa(c.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodDelete, "/download-clients/"+itoa(c.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateOrder(t *testing.T) {
	e := newTestEnv(t)
	a := createQbit(t, e, "http://a")
	b, err := e.store.Create(t.Context(), &models.DownloadClient{Name: "b", Type: downloadclient.TypeNZBGet, Host: "b", Enabled: true})
	require.NoError(t, err)

	rec := e.do(t, http.MethodPut, "/download-clients/order", map[string]any{"clientIds": []int{a.ID}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/download-clients/order", map[string]any{"clientIds": []int{b.ID, a.ID}})
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0]["name"])
}

func TestListTypes(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/download-clients/types", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var types []downloadclient.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &types))
	assert.Len(t, types, len(downloadclient.SupportedTypes()))
}

func TestTestConnectionEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, srv := newQbitBackend(t)
	c := createQbit(t, e, srv.URL)

	rec := e.do(t, http.MethodPost, "/download-clients/"+itoa(c.ID)+"/test?force=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res downloadclient.TestResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "2.11.2", res.Version)

	rec = e.do(t, http.MethodGet, "/download-clients/"+itoa(c.ID), nil)
	assert.Contains(t, rec.Body.String(), `"lastTest"`)

	// Unsaved settings with a redacted password borrow the stored one.
	rec = e.do(t, http.MethodPost, "/download-clients/test", map[string]any{
		"id":         c.ID,
		"name":       "qbit",
		"clientType": "qbittorrent",
		"host":       srv.URL,
		"username":   "admin",
		"password":   domain.RedactedStr,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success, res.Error)

	rec = e.do(t, http.MethodPost, "/download-clients/test", map[string]any{
		"name":       "qbit",
		"clientType": "qbittorrent",
		"host":       srv.URL,
		"username":   "admin",
		"password":   "wrong",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, downloadclient.KindAuthentication, res.Kind)
}

func TestCapabilitiesAndDownloads(t *testing.T) {
	e := newTestEnv(t)
	b, srv := newQbitBackend(t)
	c := createQbit(t, e, srv.URL)
	base := "/download-clients/" + itoa(c.ID)

	rec := e.do(t, http.MethodGet, base+"/capabilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var caps CapabilitiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	assert.True(t, caps.Torrent)
	assert.False(t, caps.Usenet)
	assert.True(t, caps.Manage)
	assert.Equal(t, downloadclient.AuthUserPass, caps.AuthScheme)

	rec = e.do(t, http.MethodGet, base+"/downloads", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var downloads []downloadclient.Download
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &downloads))
	require.Len(t, downloads, 1)
	assert.Equal(t, downloadclient.StatusDownloading, downloads[0].Status)

	rec = e.do(t, http.MethodPost, base+"/categories", map[string]any{"name": "tv"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, b.categories.Load())

	rec = e.do(t, http.MethodPost, base+"/categories", map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadsOnUnmanageableClient(t *testing.T) {
	e := newTestEnv(t)
	c, err := e.store.Create(t.Context(), &models.DownloadClient{
		Name:      "hole",
		Type:      downloadclient.TypeBlackhole,
		Enabled:   true,
		Directory: t.TempDir(),
	})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/download-clients/"+itoa(c.ID)+"/downloads", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")

	rec = e.do(t, http.MethodPost, "/download-clients/"+itoa(c.ID)+"/downloads/abc/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrabEndpoint(t *testing.T) {
	e := newTestEnv(t)
	b, srv := newQbitBackend(t)
	c := createQbit(t, e, srv.URL)

	rec := e.do(t, http.MethodPost, "/grab", map[string]any{"clientId": c.ID, "magnetLink": testMagnet, "title": "test"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res grab.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "aabbccddeeff00112233445566778899aabbccdd", res.Identifier)
	assert.EqualValues(t, 1, b.adds.Load())

	// Failures still answer 200 with a structured result.
	rec = e.do(t, http.MethodPost, "/grab", map[string]any{"clientId": c.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Equal(t, downloadclient.KindInvalidRequest, res.Kind)

	req := httptest.NewRequest(http.MethodPost, "/grab", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	raw := httptest.NewRecorder()
	e.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = e.do(t, http.MethodGet, "/grab/history?clientId="+itoa(c.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []grab.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history, 2)

	rec = e.do(t, http.MethodGet, "/grab/history?clientId=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrabMultipartUpload(t *testing.T) {
	e := newTestEnv(t)
	dir := t.TempDir()
	c, err := e.store.Create(t.Context(), &models.DownloadClient{Name: "hole", Type: downloadclient.TypeBlackhole, Directory: dir, Enabled: true})
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("clientId", itoa(c.ID)))
	require.NoError(t, mw.WriteField("magnetLink", testMagnet))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/grab", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res grab.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "aabbccddeeff00112233445566778899aabbccdd", res.Identifier)
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusForKind(downloadclient.KindInvalidRequest))
	assert.Equal(t, http.StatusBadRequest, StatusForKind(downloadclient.KindUnsupportedClientType))
	assert.Equal(t, http.StatusBadGateway, StatusForKind(downloadclient.KindAuthentication))
	assert.Equal(t, http.StatusGatewayTimeout, StatusForKind(downloadclient.KindConnection))
	assert.Equal(t, http.StatusBadGateway, StatusForKind(downloadclient.KindProtocol))
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
