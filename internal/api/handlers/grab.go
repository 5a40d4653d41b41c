// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/services/fetcher"
	"github.com/borrowarr/borrowarr/internal/services/grab"
)

const grabMaxFormMemory = fetcher.MaxReleaseBytes

type GrabHandler struct {
	service *grab.Service
}

func NewGrabHandler(service *grab.Service) *GrabHandler {
	return &GrabHandler{service: service}
}

// Grab accepts a JSON grab request or a multipart form with a "file" part.
// Outcomes are always answered with 200 and a result body; only malformed
// requests get an error status.
func (h *GrabHandler) Grab(w http.ResponseWriter, r *http.Request) {
	var req grab.Request

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		var ok bool
		if req, ok = parseGrabForm(w, r); !ok {
			return
		}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	RespondJSON(w, http.StatusOK, h.service.GrabWithClient(r.Context(), req.ClientID, req))
}

func parseGrabForm(w http.ResponseWriter, r *http.Request) (grab.Request, bool) {
	var req grab.Request

	r.Body = http.MaxBytesReader(w, r.Body, grabMaxFormMemory+1<<20)
	if err := r.ParseMultipartForm(grabMaxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
			RespondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeded %d MB limit", grabMaxFormMemory>>20))
			return req, false
		}
		RespondError(w, http.StatusBadRequest, "Failed to parse form data")
		return req, false
	}

	if raw := strings.TrimSpace(r.FormValue("clientId")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 0 {
			RespondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid clientId: %q is not a valid id", raw))
			return req, false
		}
		req.ClientID = id
	}
	req.DownloadURL = strings.TrimSpace(r.FormValue("downloadUrl"))
	req.MagnetLink = strings.TrimSpace(r.FormValue("magnetLink"))
	req.Protocol = downloadclient.Protocol(strings.TrimSpace(r.FormValue("protocol")))
	req.Title = strings.TrimSpace(r.FormValue("title"))
	req.Filename = strings.TrimSpace(r.FormValue("filename"))

	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, true
	case err != nil:
		RespondError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return req, false
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		log.Warn().Err(err).Str("filename", header.Filename).Msg("Failed to read grab upload")
		RespondError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return req, false
	}
	req.FileContent = content
	if req.Filename == "" {
		req.Filename = header.Filename
	}
	return req, true
}

// History returns recent grabs, optionally for one client
func (h *GrabHandler) History(w http.ResponseWriter, r *http.Request) {
	var clientID int
	if raw := strings.TrimSpace(r.URL.Query().Get("clientId")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 0 {
			RespondError(w, http.StatusBadRequest, "Invalid clientId")
			return
		}
		clientID = id
	}

	entries := h.service.History(clientID)
	if entries == nil {
		entries = []grab.HistoryEntry{}
	}
	RespondJSON(w, http.StatusOK, entries)
}
