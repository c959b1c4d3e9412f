// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes connection pool and writer queue gauges.
type MetricsCollector struct {
	db *DB

	openConnsDesc  *prometheus.Desc
	inUseDesc      *prometheus.Desc
	idleDesc       *prometheus.Desc
	waitCountDesc  *prometheus.Desc
	writeQueueDesc *prometheus.Desc
}

func NewMetricsCollector(db *DB) *MetricsCollector {
	return &MetricsCollector{
		db: db,
		openConnsDesc: prometheus.NewDesc(
			"nemorosa_db_open_connections",
			"Open connections in the read pool",
			nil,
			nil,
		),
		inUseDesc: prometheus.NewDesc(
			"nemorosa_db_in_use_connections",
			"Read pool connections currently in use",
			nil,
			nil,
		),
		idleDesc: prometheus.NewDesc(
			"nemorosa_db_idle_connections",
			"Idle connections in the read pool",
			nil,
			nil,
		),
		waitCountDesc: prometheus.NewDesc(
			"nemorosa_db_wait_count_total",
			"Total number of connections waited for",
			nil,
			nil,
		),
		writeQueueDesc: prometheus.NewDesc(
			"nemorosa_db_write_queue_depth",
			"Write requests waiting for the writer goroutine",
			nil,
			nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openConnsDesc
	ch <- c.inUseDesc
	ch <- c.idleDesc
	ch <- c.waitCountDesc
	ch <- c.writeQueueDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.db.conn.Stats()

	ch <- prometheus.MustNewConstMetric(c.openConnsDesc, prometheus.GaugeValue, float64(stats.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.inUseDesc, prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(c.waitCountDesc, prometheus.CounterValue, float64(stats.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.writeQueueDesc, prometheus.GaugeValue, float64(len(c.db.writeCh)))
}
