// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package grab

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the grab service. A nil *Metrics
// records nothing.
type Metrics struct {
	GrabsTotal   *prometheus.CounterVec
	GrabDuration *prometheus.HistogramVec
}

// NewMetrics creates the grab metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GrabsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "borrowarr_grabs_total",
			Help: "Total number of grabs handed to download clients",
		}, []string{"client_type", "protocol", "outcome"}),
		GrabDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "borrowarr_grab_duration_seconds",
			Help:    "Time spent handing a release to a download client",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"client_type", "protocol"}),
	}
}

func (m *Metrics) observe(clientType, protocol, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GrabsTotal.WithLabelValues(clientType, protocol, outcome).Inc()
	m.GrabDuration.WithLabelValues(clientType, protocol).Observe(elapsed.Seconds())
}
