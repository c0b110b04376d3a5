// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cimcap/services/ingestor/graph"
)

func TestKind_StringAndParse(t *testing.T) {
	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}

	k, err := ParseKind(" Diagram ")
	require.NoError(t, err)
	assert.Equal(t, Diagram, k)

	_, err = ParseKind("billing")
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, "kind(7)", Kind(7).String())
}

func TestProducer_IngestAndFinish(t *testing.T) {
	set := NewDefaultSet(nil)
	p := set.Get(Diagram)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, graph.Record{MRID: "do1", Type: "DiagramObject",
		References: []graph.Reference{{Role: "diagram", TargetType: "Diagram", TargetMRID: "d1"}}}))
	assert.Equal(t, 1, p.Len())

	report := p.Finish(ctx)
	assert.Equal(t, Report{"DiagramObject do1 was missing a reference to Diagram d1"}, report)
	assert.False(t, report.Empty())

	require.NoError(t, p.Ingest(ctx, graph.Record{MRID: "d1", Type: "Diagram"}))
	assert.True(t, p.Finish(ctx).Empty())
	assert.Equal(t, 2, p.Len(), "finish must not mutate the graph")
}

func TestProducer_IngestError(t *testing.T) {
	p := NewDefaultSet(nil).Get(Customer)

	err := p.Ingest(context.Background(), graph.Record{MRID: "b1", Type: "Breaker"})
	var ingestErr *IngestError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, Customer, ingestErr.Channel)
	assert.Equal(t, "b1", ingestErr.MRID)
	assert.ErrorIs(t, err, graph.ErrUnknownType)
	assert.Zero(t, p.Len())
}

func TestProducer_IngestCancelledContext(t *testing.T) {
	p := NewDefaultSet(nil).Get(Network)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Ingest(ctx, graph.Record{MRID: "t1", Type: "Terminal"}), context.Canceled)
	assert.Zero(t, p.Len())
}

func TestProducer_NetworkSkipsEmptyTargets(t *testing.T) {
	p := NewDefaultSet(nil).Get(Network)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, graph.Record{MRID: "t1", Type: "Terminal",
		References: []graph.Reference{{Role: "connectivityNode", TargetType: "ConnectivityNode"}}}))
	assert.True(t, p.Finish(ctx).Empty())
}

func TestProducer_Reset(t *testing.T) {
	set := NewDefaultSet(nil)
	ctx := context.Background()
	require.NoError(t, set.Get(Customer).Ingest(ctx, graph.Record{MRID: "c1", Type: "Customer"}))
	require.NoError(t, set.Get(Diagram).Ingest(ctx, graph.Record{MRID: "d1", Type: "Diagram"}))

	set.Get(Customer).Reset()
	set.Get(Customer).Reset()

	assert.Zero(t, set.Get(Customer).Len())
	assert.Equal(t, 1, set.Get(Diagram).Len(), "reset must not touch other channels")

	require.NoError(t, set.Get(Customer).Ingest(ctx, graph.Record{MRID: "c1", Type: "Customer"}),
		"mRID is reusable after reset")
}

func TestSet_View(t *testing.T) {
	set := NewDefaultSet(nil)
	ctx := context.Background()
	require.NoError(t, set.Get(Network).Ingest(ctx, graph.Record{MRID: "n1", Type: "Breaker"}))
	require.NoError(t, set.Get(Customer).Ingest(ctx, graph.Record{MRID: "c1", Type: "Customer"}))

	err := set.View(func(network, diagram, customer *graph.Graph) error {
		assert.Equal(t, 1, network.Len())
		assert.Zero(t, diagram.Len())
		assert.Equal(t, 1, customer.Len())
		return nil
	})
	require.NoError(t, err)

	sentinel := errors.New("boom")
	assert.ErrorIs(t, set.View(func(_, _, _ *graph.Graph) error { return sentinel }), sentinel)

	// Locks must have been released.
	require.NoError(t, set.Get(Network).Ingest(ctx, graph.Record{MRID: "n2", Type: "Fuse"}))
	set.ResetAll()
	for p := range set.All() {
		assert.Zero(t, p.Len(), p.Kind().String())
	}
}

func TestSet_CommitResetsOnlyOnSuccess(t *testing.T) {
	set := NewDefaultSet(nil)
	ctx := context.Background()
	require.NoError(t, set.Get(Network).Ingest(ctx, graph.Record{MRID: "n1", Type: "Breaker"}))
	require.NoError(t, set.Get(Diagram).Ingest(ctx, graph.Record{MRID: "d1", Type: "Diagram"}))

	sentinel := errors.New("disk full")
	assert.ErrorIs(t, set.Commit(func(_, _, _ *graph.Graph) error { return sentinel }), sentinel)
	assert.Equal(t, 1, set.Get(Network).Len(), "a failed commit keeps the graphs")
	assert.Equal(t, 1, set.Get(Diagram).Len())

	var seen int
	require.NoError(t, set.Commit(func(network, diagram, customer *graph.Graph) error {
		seen = network.Len() + diagram.Len() + customer.Len()
		return nil
	}))
	assert.Equal(t, 2, seen)
	for p := range set.All() {
		assert.Zero(t, p.Len(), p.Kind().String())
	}
}

func TestSet_CommitQueuesIngestIntoNextBatch(t *testing.T) {
	set := NewDefaultSet(nil)
	ctx := context.Background()
	require.NoError(t, set.Get(Network).Ingest(ctx, graph.Record{MRID: "n1", Type: "Breaker"}))

	entered := make(chan struct{})
	ingested := make(chan error, 1)
	var committed int
	go func() {
		<-entered
		ingested <- set.Get(Network).Ingest(ctx, graph.Record{MRID: "next-batch", Type: "Fuse"})
	}()

	require.NoError(t, set.Commit(func(network, _, _ *graph.Graph) error {
		close(entered)
		// Give the ingest time to queue on the channel lock.
		time.Sleep(50 * time.Millisecond)
		committed = network.Len()
		return nil
	}))
	require.NoError(t, <-ingested)

	assert.Equal(t, 1, committed, "the queued record is not part of the committed graph")
	assert.Equal(t, 1, set.Get(Network).Len(), "the queued record survives the reset")
	_, ok := set.Get(Network).graph.Get("next-batch")
	assert.True(t, ok)
}

func TestNewDefaultSet_SlotsMatchKinds(t *testing.T) {
	set := NewDefaultSet(nil)
	for _, k := range Kinds() {
		p := set.Get(k)
		require.NotNil(t, p, k.String())
		assert.Equal(t, k, p.Kind())
	}
	assert.Nil(t, set.Get(Kind(7)))
}

func TestNewSet_RejectsMismatchedKinds(t *testing.T) {
	b := graph.NewBuilder(graph.DiagramCatalog())
	v := graph.Validator{}
	_, err := NewSet(NewProducer(Diagram, b, v, nil), NewProducer(Diagram, b, v, nil), NewProducer(Customer, b, v, nil))
	assert.Error(t, err)

	_, err = NewSet(NewProducer(Network, b, v, nil), nil, NewProducer(Customer, b, v, nil))
	assert.Error(t, err)
	assert.Nil(t, (&Set{}).Get(Kind(5)))
}

func TestProducer_ConcurrentIngest(t *testing.T) {
	p := NewDefaultSet(nil).Get(Network)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Ingest(ctx, graph.Record{MRID: fmt.Sprintf("t%d", i), Type: "Terminal"})
			_ = p.Finish(ctx)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, p.Len())
}
