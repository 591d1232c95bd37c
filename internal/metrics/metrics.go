// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns the Prometheus registry and the collectors shared by the services.
// A nil *Manager is valid and records nothing.
type Manager struct {
	registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	GatewayErrors    *prometheus.CounterVec
	RankedCandidates prometheus.Histogram
	SearchDuration   prometheus.Histogram
}

func NewMetricsManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Manager{
		registry: registry,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_request_transitions_total",
			Help: "Request state transitions by source and destination state",
		}, []string{"from", "to"}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_autodownload_decisions_total",
			Help: "Auto-download decisions by action and skip reason",
		}, []string{"action", "reason"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_notifications_total",
			Help: "Notification deliveries by target kind and result",
		}, []string{"kind", "result"}),
		GatewayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_indexer_errors_total",
			Help: "Indexer gateway failures by kind",
		}, []string{"kind"}),
		RankedCandidates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "abr_ranking_candidates",
			Help:    "Number of candidates that survived hard filters per evaluation",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		SearchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "abr_indexer_search_duration_seconds",
			Help:    "Time spent waiting on indexer searches",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Manager) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Manager) ObserveDecision(action, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action, reason).Inc()
}

func (m *Manager) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Notifications.WithLabelValues(kind, result).Inc()
}

func (m *Manager) ObserveGatewayError(kind string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(kind).Inc()
}

func (m *Manager) ObserveEvaluation(candidates int, searchSeconds float64) {
	if m == nil {
		return
	}
	m.RankedCandidates.Observe(float64(candidates))
	m.SearchDuration.Observe(searchSeconds)
}
