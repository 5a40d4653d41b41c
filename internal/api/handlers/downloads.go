// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/borrowarr/borrowarr/internal/downloadclient"
)

const downloadsTimeout = 30 * time.Second

// DownloadsHandler manages existing downloads on clients that support it.
type DownloadsHandler struct {
	pool *downloadclient.Pool
}

func NewDownloadsHandler(pool *downloadclient.Pool) *DownloadsHandler {
	return &DownloadsHandler{pool: pool}
}

type SetLabelRequest struct {
	Label string `json:"label"`
}

type AddCategoryRequest struct {
	Name string `json:"name"`
}

func downloadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "downloadID"))
	if id == "" {
		RespondError(w, http.StatusBadRequest, "Invalid download ID")
		return "", false
	}
	return id, true
}

// ListDownloads returns the downloads reported by a client
func (h *DownloadsHandler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), downloadsTimeout)
	defer cancel()

	m, ok := managedClient[downloadclient.Manageable](ctx, w, h.pool, clientID, "list", "managing downloads")
	if !ok {
		return
	}

	downloads, err := m.GetDownloads(ctx)
	h.pool.Observe(clientID, err)
	if err != nil {
		respondClientError(w, err, clientID, "list")
		return
	}
	if downloads == nil {
		downloads = []downloadclient.Download{}
	}
	RespondJSON(w, http.StatusOK, downloads)
}

func (h *DownloadsHandler) RemoveDownload(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}
	id, ok := downloadID(w, r)
	if !ok {
		return
	}
	deleteData, _ := strconv.ParseBool(r.URL.Query().Get("deleteData"))

	ctx, cancel := context.WithTimeout(r.Context(), downloadsTimeout)
	defer cancel()

	m, ok := managedClient[downloadclient.Manageable](ctx, w, h.pool, clientID, "remove", "managing downloads")
	if !ok {
		return
	}

	err := m.RemoveDownload(ctx, id, deleteData)
	h.pool.Observe(clientID, err)
	if err != nil {
		respondClientError(w, err, clientID, "remove")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// downloadAction runs one of the per-download state changes.
func (h *DownloadsHandler) downloadAction(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID, ok := parseClientID(w, r)
		if !ok {
			return
		}
		id, ok := downloadID(w, r)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), downloadsTimeout)
		defer cancel()

		var err error
		switch op {
		case "pause", "resume":
			m, ok := managedClient[downloadclient.Manageable](ctx, w, h.pool, clientID, op, "managing downloads")
			if !ok {
				return
			}
			if op == "pause" {
				err = m.PauseDownload(ctx, id)
			} else {
				err = m.ResumeDownload(ctx, id)
			}
		case "start", "stop":
			s, ok := managedClient[downloadclient.StartStopper](ctx, w, h.pool, clientID, op, "start/stop")
			if !ok {
				return
			}
			if op == "start" {
				err = s.StartTorrent(ctx, id)
			} else {
				err = s.StopTorrent(ctx, id)
			}
		}

		h.pool.Observe(clientID, err)
		if err != nil {
			respondClientError(w, err, clientID, op)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *DownloadsHandler) PauseDownload() http.HandlerFunc  { return h.downloadAction("pause") }
func (h *DownloadsHandler) ResumeDownload() http.HandlerFunc { return h.downloadAction("resume") }
func (h *DownloadsHandler) StartDownload() http.HandlerFunc  { return h.downloadAction("start") }
func (h *DownloadsHandler) StopDownload() http.HandlerFunc   { return h.downloadAction("stop") }

func (h *DownloadsHandler) SetLabel(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}
	id, ok := downloadID(w, r)
	if !ok {
		return
	}

	var req SetLabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), downloadsTimeout)
	defer cancel()

	l, ok := managedClient[downloadclient.Labeler](ctx, w, h.pool, clientID, "label", "labels")
	if !ok {
		return
	}

	err := l.SetLabel(ctx, id, strings.TrimSpace(req.Label))
	h.pool.Observe(clientID, err)
	if err != nil {
		respondClientError(w, err, clientID, "label")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) AddCategory(w http.ResponseWriter, r *http.Request) {
	clientID, ok := parseClientID(w, r)
	if !ok {
		return
	}

	var req AddCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		RespondError(w, http.StatusBadRequest, "Category name is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), downloadsTimeout)
	defer cancel()

	c, ok := managedClient[downloadclient.CategoryCreator](ctx, w, h.pool, clientID, "category", "categories")
	if !ok {
		return
	}

	err := c.AddCategory(ctx, name)
	h.pool.Observe(clientID, err)
	if err != nil {
		respondClientError(w, err, clientID, "category")
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]string{"name": name})
}
