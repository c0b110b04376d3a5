// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and the diagnostics observer for
// the ingestor.
//
// # Description
//
// Metrics cover:
//   - Ingested records (by channel, type, result)
//   - Finishes (by channel and outcome) and their diagnostics
//   - Persistence attempts and latency
//   - Barrier phase transitions and the completed-channel gauge
//
// # Integration
//
// Metrics are exposed on /metrics. Metrics implements barrier.Recorder and
// is passed to barrier.New.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "cimcap"

const (
	ingestSubsystem  = "ingest"
	barrierSubsystem = "barrier"
)

// Metrics holds the Prometheus collectors for the ingestor.
type Metrics struct {
	// IngestedTotal counts ingest calls.
	// Labels: channel, type, result (ok, rejected)
	IngestedTotal *prometheus.CounterVec

	// FinishesTotal counts finish calls.
	// Labels: channel, outcome (awaiting_others, persisted, persist_failed, held)
	FinishesTotal *prometheus.CounterVec

	// DiagnosticsTotal counts dangling-reference diagnostics reported on finish.
	// Labels: channel
	DiagnosticsTotal *prometheus.CounterVec

	// PersistsTotal counts persistence attempts.
	// Labels: result (success, error)
	PersistsTotal *prometheus.CounterVec

	// PersistDurationSeconds measures the external write.
	PersistDurationSeconds prometheus.Histogram

	// PhaseTransitionsTotal counts barrier phase changes.
	// Labels: to
	PhaseTransitionsTotal *prometheus.CounterVec

	// CompletedGauge is the number of channels marked completed in the open
	// batch.
	CompletedGauge prometheus.Gauge
}

// NewMetrics creates and registers every collector on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Nil uses prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if the collectors are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		IngestedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: ingestSubsystem,
				Name:      "records_total",
				Help:      "Ingest calls by channel, entity type and result",
			},
			[]string{"channel", "type", "result"},
		),

		FinishesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: barrierSubsystem,
				Name:      "finishes_total",
				Help:      "Finish calls by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		DiagnosticsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: barrierSubsystem,
				Name:      "diagnostics_total",
				Help:      "Unresolved reference diagnostics reported at finish",
			},
			[]string{"channel"},
		),

		PersistsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: barrierSubsystem,
				Name:      "persists_total",
				Help:      "Batch persistence attempts by result",
			},
			[]string{"result"},
		),

		PersistDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: barrierSubsystem,
				Name:      "persist_duration_seconds",
				Help:      "Duration of the batch write in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		PhaseTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: barrierSubsystem,
				Name:      "phase_transitions_total",
				Help:      "Batch phase transitions by target phase",
			},
			[]string{"to"},
		),

		CompletedGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: barrierSubsystem,
				Name:      "completed_channels",
				Help:      "Channels marked completed in the open batch",
			},
		),
	}
}

// =============================================================================
// Recording
// =============================================================================

// RecordIngest counts one ingest call.
func (m *Metrics) RecordIngest(k channel.Kind, entityType string, ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	m.IngestedTotal.WithLabelValues(k.String(), entityType, result).Inc()
}

// ChannelFinished implements barrier.Recorder.
func (m *Metrics) ChannelFinished(k channel.Kind, outcome barrier.Outcome, diagnostics int) {
	m.FinishesTotal.WithLabelValues(k.String(), outcome.String()).Inc()
	if diagnostics > 0 {
		m.DiagnosticsTotal.WithLabelValues(k.String()).Add(float64(diagnostics))
	}
}

// PersistDone implements barrier.Recorder.
func (m *Metrics) PersistDone(elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PersistsTotal.WithLabelValues(result).Inc()
	m.PersistDurationSeconds.Observe(elapsed.Seconds())
}

// PhaseChanged implements barrier.Recorder.
func (m *Metrics) PhaseChanged(_, to barrier.Phase) {
	m.PhaseTransitionsTotal.WithLabelValues(to.String()).Inc()
}

// CompletedChannels implements barrier.Recorder.
func (m *Metrics) CompletedChannels(n int) {
	m.CompletedGauge.Set(float64(n))
}

var _ barrier.Recorder = (*Metrics)(nil)
