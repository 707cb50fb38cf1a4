// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"axonflow/modelrouter/routing/breaker"
)

// Metrics holds the router's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	decisions          *prometheus.CounterVec
	selectDuration     *prometheus.HistogramVec
	outcomes           *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	cacheRequests      *prometheus.CounterVec
	storeErrors        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axonflow_modelrouter_decisions_total",
				Help: "Total number of routing decisions by reason",
			},
			[]string{"reason"},
		),
		selectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "axonflow_modelrouter_select_duration_milliseconds",
				Help:    "Model selection duration in milliseconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"outcome"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axonflow_modelrouter_outcomes_total",
				Help: "Total number of recorded model call outcomes",
			},
			[]string{"provider", "status"},
		),
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axonflow_modelrouter_breaker_transitions_total",
				Help: "Total number of provider circuit breaker transitions",
			},
			[]string{"provider", "to"},
		),
		cacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axonflow_modelrouter_cache_requests_total",
				Help: "Total number of response cache lookups by result",
			},
			[]string{"result"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "axonflow_modelrouter_store_errors_total",
				Help: "Total number of degraded state store operations",
			},
			[]string{"op"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.decisions,
			m.selectDuration,
			m.outcomes,
			m.breakerTransitions,
			m.cacheRequests,
			m.storeErrors,
		)
	}
	return m
}

// ObserveDecision counts a Select result and its latency.
func (m *Metrics) ObserveDecision(reason Reason, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if reason.IsFailure() {
		outcome = "failed"
	}
	m.decisions.WithLabelValues(string(reason)).Inc()
	m.selectDuration.WithLabelValues(outcome).Observe(float64(elapsed.Microseconds()) / 1000)
}

// ObserveOutcome counts a recorded call outcome.
func (m *Metrics) ObserveOutcome(provider string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	if provider == "" {
		provider = "unknown"
	}
	m.outcomes.WithLabelValues(provider, status).Inc()
}

// BreakerTransition matches breaker.WithTransitionHook.
func (m *Metrics) BreakerTransition(provider string, _, to breaker.Status) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(provider, string(to)).Inc()
}

// CacheResult matches respcache.WithResultHook.
func (m *Metrics) CacheResult(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// StoreError matches the scorecard and breaker error hooks.
func (m *Metrics) StoreError(op string, _ error) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
