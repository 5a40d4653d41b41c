// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package grab

import (
	"slices"
	"sync"
	"time"

	"github.com/borrowarr/borrowarr/internal/downloadclient"
)

const historyPerClient = 50

// HistoryEntry records one grab attempt.
type HistoryEntry struct {
	ClientID   int                       `json:"clientId"`
	ClientType downloadclient.ClientType `json:"clientType"`
	Protocol   downloadclient.Protocol   `json:"protocol"`
	Title      string                    `json:"title,omitempty"`
	Source     string                    `json:"source"`
	Success    bool                      `json:"success"`
	Identifier string                    `json:"identifier,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Kind       downloadclient.ErrorKind  `json:"kind,omitempty"`
	Duration   time.Duration             `json:"durationNs"`
	Timestamp  time.Time                 `json:"timestamp"`
}

type history struct {
	mu      sync.RWMutex
	entries map[int][]HistoryEntry
}

func newHistory() *history {
	return &history{entries: make(map[int][]HistoryEntry)}
}

func (h *history) add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.entries[e.ClientID], e)
	if len(list) > historyPerClient {
		list = slices.Clone(list[len(list)-historyPerClient:])
	}
	h.entries[e.ClientID] = list
}

// get returns the entries of clientID, or of every client when clientID is 0,
// oldest first.
func (h *history) get(clientID int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if clientID != 0 {
		return slices.Clone(h.entries[clientID])
	}

	var out []HistoryEntry
	for _, list := range h.entries {
		out = append(out, list...)
	}
	slices.SortStableFunc(out, func(a, b HistoryEntry) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

func (h *history) forget(clientID int) {
	h.mu.Lock()
	delete(h.entries, clientID)
	h.mu.Unlock()
}
