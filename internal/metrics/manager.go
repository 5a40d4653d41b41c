// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus metrics on a dedicated listener.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/borrowarr/borrowarr/internal/downloadclient"
	"github.com/borrowarr/borrowarr/internal/models"
)

const listTimeout = 5 * time.Second

// ClientLister enumerates stored download clients.
type ClientLister interface {
	List(ctx context.Context) ([]*models.DownloadClient, error)
}

// ClientPool is the part of the adapter pool the collector reads.
type ClientPool interface {
	Len() int
	LastTestResult(id int) (downloadclient.TestResult, bool)
}

type Manager struct {
	registry *prometheus.Registry
}

// NewMetricsManager builds a registry with runtime collectors and the download
// client collector.
func NewMetricsManager(store ClientLister, pool ClientPool) *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newClientCollector(store, pool),
	)

	log.Debug().Msg("Metrics manager initialized")
	return &Manager{registry: registry}
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

type clientCollector struct {
	store ClientLister
	pool  ClientPool

	configured *prometheus.Desc
	pooled     *prometheus.Desc
	up         *prometheus.Desc
}

func newClientCollector(store ClientLister, pool ClientPool) *clientCollector {
	return &clientCollector{
		store: store,
		pool:  pool,
		configured: prometheus.NewDesc(
			"borrowarr_download_clients",
			"Number of configured download clients",
			[]string{"enabled"}, nil,
		),
		pooled: prometheus.NewDesc(
			"borrowarr_download_clients_pooled",
			"Number of download client adapters held in the pool",
			nil, nil,
		),
		up: prometheus.NewDesc(
			"borrowarr_download_client_up",
			"Whether the last connection test of a download client succeeded (1) or failed (0)",
			[]string{"client_id", "client_name", "client_type"}, nil,
		),
	}
}

func (c *clientCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.configured
	ch <- c.pooled
	ch <- c.up
}

func (c *clientCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(c.pooled, prometheus.GaugeValue, float64(c.pool.Len()))
	}
	if c.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()

	clients, err := c.store.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list download clients for metrics")
		return
	}

	var enabled, disabled int
	for _, dc := range clients {
		if !dc.Enabled {
			disabled++
			continue
		}
		enabled++

		if c.pool == nil {
			continue
		}
		res, ok := c.pool.LastTestResult(dc.ID)
		if !ok {
			continue
		}
		value := 0.0
		if res.Success {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, value,
			strconv.Itoa(dc.ID), dc.Name, string(dc.Type))
	}

	ch <- prometheus.MustNewConstMetric(c.configured, prometheus.GaugeValue, float64(enabled), "true")
	ch <- prometheus.MustNewConstMetric(c.configured, prometheus.GaugeValue, float64(disabled), "false")
}
