// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all metrics for the bidding fleet.
type Metrics struct {
	metricsInstance metrics.Metrics

	// Bid pipeline metrics
	BidsPublished metrics.Counter
	BidsDropped   metrics.Counter

	// Fleet lifecycle metrics
	WorkersSpawned   metrics.Counter
	WorkersRetired   metrics.Counter
	WorkersRestarted metrics.Counter
	ActiveWorkers    metrics.Gauge

	// Fallback metrics
	EmergencyMode metrics.Gauge

	// Performance metrics
	BidLatency   metrics.Histogram
	ScanDuration metrics.Histogram
}

// NewMetrics creates a new metrics instance.
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("bidfleet")

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	m.BidsPublished = metricsInstance.NewCounter("bids_published_total", "Total number of bid responses published")
	m.BidsDropped = metricsInstance.NewCounter("bids_dropped_total", "Total number of malformed bid requests dropped")

	m.WorkersSpawned = metricsInstance.NewCounter("workers_spawned_total", "Total number of category workers created")
	m.WorkersRetired = metricsInstance.NewCounter("workers_retired_total", "Total number of category workers retired")
	m.WorkersRestarted = metricsInstance.NewCounter("workers_restarted_total", "Total number of unhealthy worker restarts")
	m.ActiveWorkers = metricsInstance.NewGauge("workers_active", "Number of running category workers")

	m.EmergencyMode = metricsInstance.NewGauge("fallback_emergency_mode", "1 while the fallback worker is in emergency mode")

	m.BidLatency = metricsInstance.NewHistogram(
		"bid_handling_seconds",
		"Time from bid request delivery to response publish",
		prometheus.DefBuckets,
	)
	m.ScanDuration = metricsInstance.NewHistogram(
		"scan_duration_seconds",
		"Time to complete one supervisor scan",
		prometheus.DefBuckets,
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export.
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer.
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultRegisterer
}
