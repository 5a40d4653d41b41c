// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/borrowarr/borrowarr/internal/domain"
	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/models"
	"github.com/borrowarr/borrowarr/internal/services/grab"
)

const testConnectionTimeout = 30 * time.Second

type DownloadClientsHandler struct {
	store *models.DownloadClientStore
	pool  *downloadclient.Pool
	grabs *grab.Service
}

func NewDownloadClientsHandler(store *models.DownloadClientStore, pool *downloadclient.Pool, grabs *grab.Service) *DownloadClientsHandler {
	return &DownloadClientsHandler{
		store: store,
		pool:  pool,
		grabs: grabs,
	}
}

// DownloadClientResponse is a stored client plus its last known test result.
type DownloadClientResponse struct {
	*models.DownloadClient
	LastTest *downloadclient.TestResult `json:"lastTest,omitempty"`
}

// MarshalJSON keeps the redacting encoder of the embedded client.
func (r DownloadClientResponse) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(r.DownloadClient)
	if err != nil || r.LastTest == nil {
		return data, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	lastTest, err := json.Marshal(r.LastTest)
	if err != nil {
		return nil, err
	}
	fields["lastTest"] = lastTest
	return json.Marshal(fields)
}

// UpdateStatusRequest toggles a client on or off.
type UpdateStatusRequest struct {
	Enabled bool `json:"enabled"`
}

// UpdateOrderRequest lists every client id in the new order.
type UpdateOrderRequest struct {
	ClientIDs []int `json:"clientIds"`
}

func (h *DownloadClientsHandler) response(c *models.DownloadClient) DownloadClientResponse {
	resp := DownloadClientResponse{DownloadClient: c}
	if res, ok := h.pool.LastTestResult(c.ID); ok {
		resp.LastTest = &res
	}
	return resp
}

func (h *DownloadClientsHandler) responses(clients []*models.DownloadClient) []DownloadClientResponse {
	out := make([]DownloadClientResponse, 0, len(clients))
	for _, c := range clients {
		out = append(out, h.response(c))
	}
	return out
}

// ListDownloadClients returns every stored client with secrets redacted
func (h *DownloadClientsHandler) ListDownloadClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list download clients")
		RespondError(w, http.StatusInternalServerError, "Failed to list download clients")
		return
	}
	RespondJSON(w, http.StatusOK, h.responses(clients))
}

// ListTypes returns the supported client types.
func (h *DownloadClientsHandler) ListTypes(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, downloadclient.SupportedTypes())
}

func (h *DownloadClientsHandler) GetDownloadClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	c, err := h.store.Get(r.Context(), clientID)
	if err != nil {
		respondClientError(w, err, clientID, "get")
		return
	}
	RespondJSON(w, http.StatusOK, h.response(c))
}

// CreateDownloadClient stores a new client
func (h *DownloadClientsHandler) CreateDownloadClient(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadClient
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.store.Create(r.Context(), &req)
	if err != nil {
		respondClientError(w, err, 0, "create")
		return
	}

	log.Info().Int("clientID", created.ID).Str("client", string(created.Type)).Str("name", created.Name).Msg("Download client created")
	RespondJSON(w, http.StatusCreated, h.response(created))
}

// UpdateDownloadClient replaces a stored client. Redacted secrets keep their
// stored values.
func (h *DownloadClientsHandler) UpdateDownloadClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	var req models.DownloadClient
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.store.Update(r.Context(), clientID, &req)
	if err != nil {
		respondClientError(w, err, clientID, "update")
		return
	}

	// Force a rebuild so stale sessions do not survive a settings change.
	h.pool.Remove(clientID)

	RespondJSON(w, http.StatusOK, h.response(updated))
}

func (h *DownloadClientsHandler) UpdateDownloadClientStatus(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.store.SetEnabled(r.Context(), clientID, req.Enabled)
	if err != nil {
		respondClientError(w, err, clientID, "status")
		return
	}
	if !req.Enabled {
		h.pool.Remove(clientID)
	}

	RespondJSON(w, http.StatusOK, h.response(updated))
}

func (h *DownloadClientsHandler) DeleteDownloadClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), clientID); err != nil {
		respondClientError(w, err, clientID, "delete")
		return
	}

	h.pool.Remove(clientID)
	if h.grabs != nil {
		h.grabs.Forget(clientID)
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Download client deleted successfully"})
}

// UpdateOrder updates the sort order of all clients
func (h *DownloadClientsHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.ClientIDs) == 0 {
		RespondError(w, http.StatusBadRequest, "clientIds must not be empty")
		return
	}

	clients, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list download clients for reorder")
		RespondError(w, http.StatusInternalServerError, "Failed to list download clients")
		return
	}

	if len(req.ClientIDs) != len(clients) {
		RespondError(w, http.StatusBadRequest, "clientIds must include all download clients")
		return
	}

	validIDs := make(map[int]struct{}, len(clients))
	for _, c := range clients {
		validIDs[c.ID] = struct{}{}
	}

	seen := make(map[int]struct{}, len(req.ClientIDs))
	for _, id := range req.ClientIDs {
		if _, ok := validIDs[id]; !ok {
			RespondError(w, http.StatusBadRequest, "clientIds contains an unknown download client")
			return
		}
		if _, ok := seen[id]; ok {
			RespondError(w, http.StatusBadRequest, "clientIds must not contain duplicates")
			return
		}
		seen[id] = struct{}{}
	}

	if err := h.store.UpdateOrder(r.Context(), req.ClientIDs); err != nil {
		log.Error().Err(err).Msg("Failed to update download client order")
		RespondError(w, http.StatusInternalServerError, "Failed to update download client order")
		return
	}

	updated, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list download clients after reorder")
		RespondError(w, http.StatusInternalServerError, "Failed to list download clients")
		return
	}
	RespondJSON(w, http.StatusOK, h.responses(updated))
}

// TestSettings tests unsaved settings. When the body carries the id of a
// stored client, redacted secrets are filled in from the store.
func (h *DownloadClientsHandler) TestSettings(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadClient
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID != 0 {
		existing, err := h.store.Get(r.Context(), req.ID)
		if err != nil {
			respondClientError(w, err, req.ID, "test")
			return
		}
		fill := func(in *string, stored string) {
			if domain.IsRedactedString(*in) {
				*in = stored
			}
		}
		fill(&req.Password, existing.Password)
		fill(&req.APIKey, existing.APIKey)
		fill(&req.SecretToken, existing.SecretToken)
		fill(&req.AppToken, existing.AppToken)
	}

	settings := req.Settings()
	settings.ID = 0
	if t, err := downloadclient.ParseClientType(string(settings.Type)); err == nil {
		settings.Type = t
	}

	client, err := h.pool.Acquire(settings)
	if err != nil {
		respondClientError(w, err, req.ID, "test")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testConnectionTimeout)
	defer cancel()

	RespondJSON(w, http.StatusOK, client.TestConnection(ctx))
}

// TestConnection tests a stored client through the pool. force=true skips
// the cached result.
func (h *DownloadClientsHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	stored, err := h.store.Get(r.Context(), clientID)
	if err != nil {
		respondClientError(w, err, clientID, "test")
		return
	}
	if !stored.Enabled {
		RespondJSON(w, http.StatusOK, downloadclient.TestResult{
			Error: "Download client is disabled",
			Kind:  downloadclient.KindInvalidRequest,
		})
		return
	}

	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	ctx, cancel := context.WithTimeout(r.Context(), testConnectionTimeout)
	defer cancel()

	RespondJSON(w, http.StatusOK, h.pool.Test(ctx, clientID, force))
}

func (h *DownloadClientsHandler) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	client, err := h.pool.Get(r.Context(), clientID)
	if err != nil {
		respondClientError(w, err, clientID, "capabilities")
		return
	}

	RespondJSON(w, http.StatusOK, NewCapabilitiesResponse(client))
}

// managedClient resolves clientID and asserts the optional interface T.
func managedClient[T any](ctx context.Context, w http.ResponseWriter, pool *downloadclient.Pool, clientID int, op, what string) (T, bool) {
	var zero T
	client, err := pool.Get(ctx, clientID)
	if err != nil {
		respondClientError(w, err, clientID, op)
		return zero, false
	}
	c, ok := client.(T)
	if !ok {
		respondClientError(w, downloadclient.InvalidRequest(client.Type(), op, "client does not support %s", what), clientID, op)
		return zero, false
	}
	return c, true
}
