// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package barrier

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/graph"
)

// =============================================================================
// Persister
// =============================================================================

// Snapshot is the read-only view of the three graphs handed to a Persister.
//
// The graphs are live and locked against every channel operation for the
// duration of Persist only. Implementations must not retain them after
// returning.
type Snapshot struct {
	BatchID  string
	Network  *graph.Graph
	Diagram  *graph.Graph
	Customer *graph.Graph
	TakenAt  time.Time
}

// Graph returns the graph for one channel.
func (s Snapshot) Graph(k channel.Kind) *graph.Graph {
	switch k {
	case channel.Network:
		return s.Network
	case channel.Diagram:
		return s.Diagram
	case channel.Customer:
		return s.Customer
	default:
		return nil
	}
}

// Len returns the total entity count across the three graphs.
func (s Snapshot) Len() int {
	n := 0
	for _, k := range channel.Kinds() {
		if g := s.Graph(k); g != nil {
			n += g.Len()
		}
	}
	return n
}

// Persister writes a completed batch. The write must be all-or-nothing.
type Persister interface {
	Persist(ctx context.Context, snap Snapshot) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, snap Snapshot) error

// Persist calls f.
func (f PersisterFunc) Persist(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// =============================================================================
// Persistence Trigger
// =============================================================================

// persistenceTrigger hands the three graphs to the Persister and converts
// the outcome. It runs only inside the barrier's critical section. On
// success the channel graphs are already empty when persist returns.
type persistenceTrigger struct {
	set       *channel.Set
	persister Persister
	recorder  Recorder
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func (t *persistenceTrigger) persist(ctx context.Context, batchID string) error {
	ctx, span := t.tracer.Start(ctx, "barrier.persist",
		trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()

	start := t.now()
	var entities int
	err := t.set.Commit(func(network, diagram, customer *graph.Graph) error {
		snap := Snapshot{
			BatchID:  batchID,
			Network:  network,
			Diagram:  diagram,
			Customer: customer,
			TakenAt:  start,
		}
		entities = snap.Len()
		return t.call(ctx, snap)
	})
	elapsed := t.now().Sub(start)
	t.recorder.PersistDone(elapsed, err)
	span.SetAttributes(attribute.Int("entities", entities))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		t.logger.Error("batch persistence failed",
			"batch_id", batchID, "entities", entities, "duration", elapsed, "error", err)
		return &PersistError{BatchID: batchID, Cause: err}
	}

	t.logger.Info("batch persisted", "batch_id", batchID, "entities", entities, "duration", elapsed)
	return nil
}

func (t *persistenceTrigger) call(ctx context.Context, snap Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persister panic: %v", r)
		}
	}()
	return t.persister.Persist(ctx, snap)
}

// =============================================================================
// Batch Resetter
// =============================================================================

// batchResetter returns the channels and the batch state to their initial
// condition under a new batch id.
type batchResetter struct {
	set        *channel.Set
	newBatchID func() string
}

// reset empties every channel and opens a new batch.
func (r *batchResetter) reset(s *batchState, now time.Time) {
	r.set.ResetAll()
	r.open(s, now)
}

// open starts a new batch without touching the channels. Used after a
// commit, which has already emptied them.
func (r *batchResetter) open(s *batchState, now time.Time) {
	*s = batchState{
		phase:     PhaseOpen,
		batchID:   r.newBatchID(),
		openedAt:  now,
		updatedAt: now,
	}
}
