// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
)

// newTestMetrics registers on an isolated registry so tests can run in
// parallel without colliding on the default one.
func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestMetrics_RecordIngest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordIngest(channel.Network, "Breaker", true)
	m.RecordIngest(channel.Network, "Breaker", true)
	m.RecordIngest(channel.Network, "Bogus", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestedTotal.WithLabelValues("network", "Breaker", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestedTotal.WithLabelValues("network", "Bogus", "rejected")))
}

func TestMetrics_Recorder(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.ChannelFinished(channel.Diagram, barrier.AwaitingOthers, 3)
	m.ChannelFinished(channel.Customer, barrier.Persisted, 0)
	m.PersistDone(120*time.Millisecond, nil)
	m.PersistDone(time.Second, errors.New("disk"))
	m.PhaseChanged(barrier.PhaseOpen, barrier.PhaseAwaitingPersist)
	m.CompletedChannels(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinishesTotal.WithLabelValues("diagram", "awaiting_others")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinishesTotal.WithLabelValues("customer", "persisted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DiagnosticsTotal.WithLabelValues("diagram")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseTransitionsTotal.WithLabelValues("awaiting_persist")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CompletedGauge))

	n, err := testutil.GatherAndCount(reg, "cimcap_barrier_persist_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_WiredIntoBarrier(t *testing.T) {
	m, _ := newTestMetrics(t)
	set := channel.NewDefaultSet(nil)
	b := barrier.New(set, barrier.PersisterFunc(func(context.Context, barrier.Snapshot) error { return nil }),
		barrier.Config{Recorder: m})

	for _, k := range channel.Kinds() {
		_, err := b.Complete(context.Background(), k)
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinishesTotal.WithLabelValues("customer", "persisted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CompletedGauge))
}

func TestDiagnosticsLogger_LogsEachDiagnosticAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Output: &buf, Level: logging.LevelInfo})
	obs := NewDiagnosticsLogger(logger)

	err := obs.ObserveFinish(context.Background(), barrier.FinishEvent{
		Channel: channel.Customer,
		BatchID: "b1",
		Diagnostics: channel.Report{
			"Customer c1 was missing a reference to Organisation o1",
			"Customer c2 was missing a reference to Organisation o1",
		},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "level=ERROR"))
	assert.Contains(t, out, "Customer c2 was missing a reference to Organisation o1")
	assert.Contains(t, out, "channel=customer")
	assert.Contains(t, out, "batch_id=b1")
	assert.Equal(t, "diagnostics_logger", obs.Name())
}

func TestDiagnosticsLogger_SilentOnCleanReport(t *testing.T) {
	var buf bytes.Buffer
	obs := NewDiagnosticsLogger(logging.New(logging.Config{Output: &buf}))

	require.NoError(t, obs.ObserveFinish(context.Background(), barrier.FinishEvent{Channel: channel.Network}))
	assert.Empty(t, buf.String())
	assert.NotNil(t, NewDiagnosticsLogger(nil))
}
