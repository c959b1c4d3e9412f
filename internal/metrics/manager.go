// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/autobrr/nemorosa/internal/database"
)

// Manager owns the process-private prometheus registry and the engine
// counters mirrored from run statistics.
type Manager struct {
	registry *prometheus.Registry

	scanned        prometheus.Counter
	found          prometheus.Counter
	downloaded     prometheus.Counter
	downloadFailed prometheus.Counter
}

// NewManager builds the registry with Go and process collectors plus the
// engine counters. db, when non-nil, adds the connection pool and writer
// queue gauges; trackedCount, when non-nil, backs a gauge for torrents
// currently held by the verification tracker.
func NewManager(db *database.DB, trackedCount func() int) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if db != nil {
		registry.MustRegister(database.NewMetricsCollector(db))
	}

	m := &Manager{
		registry: registry,
		scanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nemorosa",
			Subsystem: "engine",
			Name:      "scanned_total",
			Help:      "Local torrent / target site pairs examined.",
		}),
		found: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nemorosa",
			Subsystem: "engine",
			Name:      "found_total",
			Help:      "Matches accepted by the match engine.",
		}),
		downloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nemorosa",
			Subsystem: "engine",
			Name:      "downloaded_total",
			Help:      "Matched torrents successfully injected into the client.",
		}),
		downloadFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nemorosa",
			Subsystem: "engine",
			Name:      "download_failed_total",
			Help:      "Matches whose download or injection failed and went to the retry queue.",
		}),
	}

	registry.MustRegister(m.scanned, m.found, m.downloaded, m.downloadFailed)

	if trackedCount != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "nemorosa",
			Subsystem: "tracking",
			Name:      "tracked_torrents",
			Help:      "Injected torrents currently awaiting verification.",
		}, func() float64 { return float64(trackedCount()) }))
	}

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) AddScanned(n int)        { m.scanned.Add(float64(n)) }
func (m *Manager) AddFound(n int)          { m.found.Add(float64(n)) }
func (m *Manager) AddDownloaded(n int)     { m.downloaded.Add(float64(n)) }
func (m *Manager) AddDownloadFailed(n int) { m.downloadFailed.Add(float64(n)) }
