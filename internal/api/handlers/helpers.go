// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/models"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string                   `json:"error"`
	Kind  downloadclient.ErrorKind `json:"kind,omitempty"`
}

// RespondJSON writes data as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// RespondError writes a JSON error body.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// StatusForKind maps a download client error kind to an HTTP status.
func StatusForKind(kind downloadclient.ErrorKind) int {
	switch kind {
	case downloadclient.KindInvalidRequest, downloadclient.KindUnsupportedClientType:
		return http.StatusBadRequest
	case downloadclient.KindConnection:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// respondClientError answers with the status matching err. Store and pool
// sentinels take precedence over adapter error kinds.
func respondClientError(w http.ResponseWriter, err error, clientID int, op string) {
	switch {
	case errors.Is(err, models.ErrDownloadClientNotFound), errors.Is(err, downloadclient.ErrClientNotFound):
		RespondError(w, http.StatusNotFound, "Download client not found")
		return
	case errors.Is(err, models.ErrDownloadClientExists):
		RespondError(w, http.StatusConflict, "A download client with this name already exists")
		return
	case errors.Is(err, downloadclient.ErrClientDisabled):
		RespondJSON(w, http.StatusConflict, ErrorResponse{Error: "Download client is disabled", Kind: downloadclient.KindInvalidRequest})
		return
	}

	var clientErr *downloadclient.Error
	if !errors.As(err, &clientErr) {
		log.Error().Err(err).Int("clientID", clientID).Str("op", op).Msg("Download client request failed")
		RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Debug().Err(errors.Unwrap(err)).Int("clientID", clientID).Str("op", op).Str("kind", string(clientErr.Kind)).Msg(clientErr.Error())
	RespondJSON(w, StatusForKind(clientErr.Kind), ErrorResponse{Error: clientErr.Error(), Kind: clientErr.Kind})
}

func parseClientID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "clientID"))
	if err != nil || id <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid download client ID")
		return 0, false
	}
	return id, true
}
