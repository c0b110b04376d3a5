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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/graph"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
)

// Key layout:
//
//	batch/<id>/<channel>/<type>/<mrid>  entity JSON
//	manifest/<id>                       storage.Manifest JSON
//	latest                              id of the newest manifest
const (
	batchPrefix    = "batch/"
	manifestPrefix = "manifest/"
	latestKey      = "latest"
)

func entityKey(batchID string, k channel.Kind, e graph.Entity) []byte {
	return []byte(batchPrefix + batchID + "/" + k.String() + "/" + e.Type + "/" + e.MRID)
}

func entityPrefix(batchID string, k channel.Kind) []byte {
	return []byte(batchPrefix + batchID + "/" + k.String() + "/")
}

func manifestKey(batchID string) []byte {
	return []byte(manifestPrefix + batchID)
}

// =============================================================================
// GraphWriter
// =============================================================================

// GraphWriter persists completed batches into a DB.
//
// # Description
//
// Entities are streamed in a WriteBatch first. The manifest and the latest
// pointer are then committed together in one transaction. Readers only see
// batches that have a manifest, so a failure before that commit leaves no
// visible trace; the partial entity keys are dropped on a best-effort basis.
type GraphWriter struct {
	db  *DB
	now func() time.Time
}

// NewGraphWriter returns a writer over db.
func NewGraphWriter(db *DB) *GraphWriter {
	return &GraphWriter{db: db, now: time.Now}
}

// Persist writes all three graphs of the snapshot.
func (w *GraphWriter) Persist(ctx context.Context, snap barrier.Snapshot) error {
	if snap.BatchID == "" {
		return errors.New("snapshot has no batch id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := w.writeEntities(snap); err != nil {
		w.dropBatch(snap.BatchID)
		return err
	}

	manifest := storage.NewManifest(snap, w.now())
	payload, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	err = w.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(manifestKey(snap.BatchID), payload); err != nil {
			return err
		}
		return txn.Set([]byte(latestKey), []byte(snap.BatchID))
	})
	if err != nil {
		w.dropBatch(snap.BatchID)
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

func (w *GraphWriter) writeEntities(snap barrier.Snapshot) error {
	wb := w.db.NewWriteBatch()
	defer wb.Cancel()

	for _, k := range channel.Kinds() {
		g := snap.Graph(k)
		if g == nil {
			continue
		}
		for e := range g.Entities() {
			val, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode %s %s: %w", e.Type, e.MRID, err)
			}
			if err := wb.Set(entityKey(snap.BatchID, k, e), val); err != nil {
				return fmt.Errorf("write %s %s: %w", e.Type, e.MRID, err)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush entities: %w", err)
	}
	return nil
}

func (w *GraphWriter) dropBatch(batchID string) {
	if err := w.db.DropPrefix([]byte(batchPrefix + batchID + "/")); err != nil && w.db.logger != nil {
		w.db.logger.Warn("failed to drop partial batch", "batch_id", batchID, "error", err)
	}
}

// Latest returns the manifest of the newest persisted batch.
func (w *GraphWriter) Latest(ctx context.Context) (storage.Manifest, error) {
	var id string
	err := w.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return storage.Manifest{}, err
	}
	return w.Manifest(ctx, id)
}

// Manifest returns the manifest of one batch.
func (w *GraphWriter) Manifest(ctx context.Context, batchID string) (storage.Manifest, error) {
	var m storage.Manifest
	err := w.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(batchID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", batchID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	return m, err
}

// Entities returns the saved entities of one channel, ordered by type and
// then mRID.
func (w *GraphWriter) Entities(ctx context.Context, batchID string, k channel.Kind) ([]graph.Entity, error) {
	if _, err := w.Manifest(ctx, batchID); err != nil {
		return nil, err
	}

	var out []graph.Entity
	prefix := entityPrefix(batchID, k)
	err := w.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e graph.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Close closes the underlying database.
func (w *GraphWriter) Close() error {
	return w.db.Close()
}
