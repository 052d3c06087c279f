// metrics.go: Prometheus metrics for mod lifecycle operations
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LifecycleMetrics groups the collectors updated by the lifecycle manager
// and the control server.
type LifecycleMetrics struct {
	transitions     *prometheus.CounterVec
	loadFailures    *prometheus.CounterVec
	activeMods      prometheus.Gauge
	suspendedMods   prometheus.Gauge
	loadDuration    prometheus.Histogram
	controlRequests *prometheus.CounterVec
}

// NewLifecycleMetrics creates the collectors and registers them with reg. A
// nil reg leaves them unregistered, which is what tests and embedders without
// a metrics endpoint want.
func NewLifecycleMetrics(reg prometheus.Registerer) *LifecycleMetrics {
	m := &LifecycleMetrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modloader_lifecycle_transitions_total",
				Help: "Number of completed mod lifecycle transitions.",
			},
			[]string{"transition"},
		),
		loadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modloader_load_failures_total",
				Help: "Number of mods that failed to load, by error code.",
			},
			[]string{"code"},
		),
		activeMods: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modloader_active_mods",
				Help: "Number of mods currently active.",
			},
		),
		suspendedMods: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modloader_suspended_mods",
				Help: "Number of mods currently suspended.",
			},
		),
		loadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modloader_mod_load_duration_seconds",
				Help:    "Time taken to load and start one mod.",
				Buckets: prometheus.DefBuckets,
			},
		),
		controlRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modloader_control_requests_total",
				Help: "Number of control protocol requests, by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.loadFailures,
			m.activeMods,
			m.suspendedMods,
			m.loadDuration,
			m.controlRequests,
		)
	}
	return m
}

func (m *LifecycleMetrics) observeTransition(transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
}

func (m *LifecycleMetrics) observeLoad(started time.Time) {
	if m == nil {
		return
	}
	m.loadDuration.Observe(time.Since(started).Seconds())
}

func (m *LifecycleMetrics) observeFailure(err error) {
	if m == nil {
		return
	}
	code := string(ErrorCodeOf(err))
	if code == "" {
		code = "unknown"
	}
	m.loadFailures.WithLabelValues(code).Inc()
}

func (m *LifecycleMetrics) setCounts(active, suspended int) {
	if m == nil {
		return
	}
	m.activeMods.Set(float64(active))
	m.suspendedMods.Set(float64(suspended))
}

func (m *LifecycleMetrics) observeControl(requestType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.controlRequests.WithLabelValues(requestType, outcome).Inc()
}
