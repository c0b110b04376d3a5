// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/graph"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSnapshot(t *testing.T, batchID string) barrier.Snapshot {
	t.Helper()
	network, diagram, customer := graph.New(), graph.New(), graph.New()
	require.NoError(t, network.Add(graph.Entity{MRID: "b1", Type: "Breaker", Name: "Main"}))
	require.NoError(t, network.Add(graph.Entity{MRID: "t1", Type: "Terminal",
		References: []graph.Reference{{Role: "conductingEquipment", TargetType: "Breaker", TargetMRID: "b1"}}}))
	require.NoError(t, customer.Add(graph.Entity{MRID: "c1", Type: "Customer",
		Attributes: map[string]string{"kind": "residential"}}))
	return barrier.Snapshot{BatchID: batchID, Network: network, Diagram: diagram, Customer: customer, TakenAt: time.Now()}
}

func TestOpenDB_InMemory(t *testing.T) {
	db := openTestDB(t)
	assert.True(t, db.InMemory())

	ctx := context.Background()
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("v"), val)
			return nil
		})
	}))
}

func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SyncWrites = false

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	w := NewGraphWriter(db)
	require.NoError(t, w.Persist(context.Background(), testSnapshot(t, "b-1")))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	db, err = OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	m, err := NewGraphWriter(db).Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b-1", m.BatchID)
}

func TestOpenDB_InvalidConfig(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.Error(t, err)

	_, err = OpenDB(Config{InMemory: true, GCDiscardRatio: 2})
	assert.Error(t, err)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.WithTxn(ctx, func(*badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	err = db.WithReadTxn(ctx, func(*badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraphWriter_PersistAndReadBack(t *testing.T) {
	w := NewGraphWriter(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, w.Persist(ctx, testSnapshot(t, "batch-a")))

	m, err := w.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "batch-a", m.BatchID)
	assert.Equal(t, map[string]int{"network": 2, "diagram": 0, "customer": 1}, m.Counts)
	assert.Equal(t, 3, m.Total())
	assert.Equal(t, 1, m.Types["network"]["Terminal"])

	ents, err := w.Entities(ctx, "batch-a", channel.Network)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, "b1", ents[0].MRID)
	assert.Equal(t, "Main", ents[0].Name)
	assert.Equal(t, "b1", ents[1].References[0].TargetMRID)

	ents, err = w.Entities(ctx, "batch-a", channel.Customer)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "residential", ents[0].Attributes["kind"])

	ents, err = w.Entities(ctx, "batch-a", channel.Diagram)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestGraphWriter_LatestTracksNewestBatch(t *testing.T) {
	w := NewGraphWriter(openTestDB(t))
	ctx := context.Background()

	_, err := w.Latest(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, w.Persist(ctx, testSnapshot(t, "first")))
	require.NoError(t, w.Persist(ctx, testSnapshot(t, "second")))

	m, err := w.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", m.BatchID)

	m, err = w.Manifest(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", m.BatchID)
}

func TestGraphWriter_UnknownBatch(t *testing.T) {
	w := NewGraphWriter(openTestDB(t))

	_, err := w.Manifest(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = w.Entities(context.Background(), "nope", channel.Network)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGraphWriter_RejectsMissingBatchID(t *testing.T) {
	w := NewGraphWriter(openTestDB(t))
	assert.Error(t, w.Persist(context.Background(), testSnapshot(t, "")))
}

func TestGraphWriter_AsBarrierPersister(t *testing.T) {
	w := NewGraphWriter(openTestDB(t))
	set := channel.NewDefaultSet(nil)
	b := barrier.New(set, w, barrier.Config{NewBatchID: func() string { return "wired" }})
	ctx := context.Background()

	require.NoError(t, set.Get(channel.Diagram).Ingest(ctx, graph.Record{MRID: "d1", Type: "Diagram"}))
	for _, k := range channel.Kinds() {
		_, err := b.Complete(ctx, k)
		require.NoError(t, err)
	}

	m, err := w.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wired", m.BatchID)
	assert.Equal(t, 1, m.Counts["diagram"])
}
