// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "codeloop"

// Subsystem for engine metrics
const engineSubsystem = "engine"

// EngineMetrics holds all Prometheus metrics for the modification engine.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring convergence
// behavior. Initialize once at startup via NewEngineMetrics().
//
// # Fields
//
//   - RetriesTotal: Counter of node retries by failure kind
//   - CommitsTotal: Counter of ledger commits
//   - EscalationsTotal: Counter of escalations by failure kind
//   - Energy: Gauge of the latest energy snapshot per component
//   - NodeDurationSeconds: Histogram of per-node wall time
//   - TokensTotal: Counter of LLM tokens by direction and role
//   - ActiveRuns: Gauge of sessions currently executing
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
type EngineMetrics struct {
	// RetriesTotal counts node retries.
	// Labels: kind (compilation, tool, review)
	RetriesTotal *prometheus.CounterVec

	// CommitsTotal counts ledger commits across all sessions.
	CommitsTotal prometheus.Counter

	// EscalationsTotal counts escalations to the human operator.
	// Labels: kind (compilation, tool, review, plan_parse, degraded, budget)
	EscalationsTotal *prometheus.CounterVec

	// Energy tracks the latest energy snapshot.
	// Labels: component (syntax, structural, logic, total)
	Energy *prometheus.GaugeVec

	// NodeDurationSeconds measures wall time from node start to commit
	// or escalation.
	NodeDurationSeconds prometheus.Histogram

	// TokensTotal counts LLM tokens processed.
	// Labels: direction (input, output), role (architect, actuator)
	TokensTotal *prometheus.CounterVec

	// ActiveRuns tracks sessions currently executing.
	ActiveRuns prometheus.Gauge
}

// NewEngineMetrics creates and registers all engine metrics.
//
// Inputs:
//
//	reg - Registry to register with. Nil uses the default registerer.
//
// Thread Safety: Call once at startup.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &EngineMetrics{
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "retries_total",
			Help:      "Node retries by failure kind.",
		}, []string{"kind"}),

		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "commits_total",
			Help:      "Ledger commits recorded.",
		}),

		EscalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "escalations_total",
			Help:      "Escalations to the human operator by failure kind.",
		}, []string{"kind"}),

		Energy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "energy",
			Help:      "Latest energy snapshot by component.",
		}, []string{"component"}),

		NodeDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "node_duration_seconds",
			Help:      "Wall time per plan node from start to commit or escalation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "tokens_total",
			Help:      "LLM tokens processed by direction and role.",
		}, []string{"direction", "role"}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: engineSubsystem,
			Name:      "active_runs",
			Help:      "Sessions currently executing.",
		}),
	}
}

// ObserveEnergy records one energy snapshot.
func (m *EngineMetrics) ObserveEnergy(syntax, structural, logic, total float64) {
	if m == nil {
		return
	}
	m.Energy.WithLabelValues("syntax").Set(syntax)
	m.Energy.WithLabelValues("structural").Set(structural)
	m.Energy.WithLabelValues("logic").Set(logic)
	m.Energy.WithLabelValues("total").Set(total)
}

// ObserveTokens records one LLM call's usage.
func (m *EngineMetrics) ObserveTokens(role string, input, output int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", role).Add(float64(input))
	m.TokensTotal.WithLabelValues("output", role).Add(float64(output))
}

// IncRetry bumps the retry counter for one failure kind.
func (m *EngineMetrics) IncRetry(kind string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(kind).Inc()
}

// IncEscalation bumps the escalation counter for one failure kind.
func (m *EngineMetrics) IncEscalation(kind string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(kind).Inc()
}

// IncCommit bumps the commit counter.
func (m *EngineMetrics) IncCommit() {
	if m == nil {
		return
	}
	m.CommitsTotal.Inc()
}
