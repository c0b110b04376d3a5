// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlite stores completed batches in a single SQLite file.
//
// Each batch is written inside one transaction: a row in batches, one row per
// entity, and one row per reference. Nothing from a failed batch survives
// the rollback.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id           TEXT PRIMARY KEY,
	persisted_at TEXT NOT NULL,
	manifest     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entities (
	batch_id   TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	channel    TEXT NOT NULL,
	mrid       TEXT NOT NULL,
	type       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	attributes TEXT,
	PRIMARY KEY (batch_id, channel, mrid)
);
CREATE TABLE IF NOT EXISTS entity_references (
	batch_id    TEXT NOT NULL,
	channel     TEXT NOT NULL,
	mrid        TEXT NOT NULL,
	role        TEXT NOT NULL DEFAULT '',
	target_type TEXT NOT NULL,
	target_mrid TEXT NOT NULL,
	FOREIGN KEY (batch_id, channel, mrid) REFERENCES entities(batch_id, channel, mrid) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(batch_id, type);
`

// Writer persists batches into SQLite.
type Writer struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database file and applies the schema.
//
// # Inputs
//
//   - path: Database file. ":memory:" is accepted for tests. The parent
//     directory is created if missing.
func Open(path string) (*Writer, error) {
	if path == "" {
		return nil, errors.New("sqlite path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// ":memory:" databases exist per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys=ON", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Writer{db: db, now: time.Now}, nil
}

// Persist writes the snapshot in one transaction.
func (w *Writer) Persist(ctx context.Context, snap barrier.Snapshot) (err error) {
	if snap.BatchID == "" {
		return errors.New("snapshot has no batch id")
	}

	manifest := storage.NewManifest(snap, w.now())
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, persisted_at, manifest) VALUES (?, ?, ?)`,
		snap.BatchID, manifest.PersistedAt.Format(time.RFC3339Nano), string(manifestJSON)); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	insertEntity, err := tx.PrepareContext(ctx,
		`INSERT INTO entities (batch_id, channel, mrid, type, name, attributes) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare entity insert: %w", err)
	}
	defer insertEntity.Close()

	insertRef, err := tx.PrepareContext(ctx,
		`INSERT INTO entity_references (batch_id, channel, mrid, role, target_type, target_mrid) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare reference insert: %w", err)
	}
	defer insertRef.Close()

	for _, k := range channel.Kinds() {
		g := snap.Graph(k)
		if g == nil {
			continue
		}
		for e := range g.Entities() {
			var attrs any
			if len(e.Attributes) > 0 {
				raw, jerr := json.Marshal(e.Attributes)
				if jerr != nil {
					err = fmt.Errorf("encode attributes of %s %s: %w", e.Type, e.MRID, jerr)
					return err
				}
				attrs = string(raw)
			}
			if _, err = insertEntity.ExecContext(ctx, snap.BatchID, k.String(), e.MRID, e.Type, e.Name, attrs); err != nil {
				return fmt.Errorf("insert %s %s: %w", e.Type, e.MRID, err)
			}
			for _, ref := range e.References {
				if _, err = insertRef.ExecContext(ctx, snap.BatchID, k.String(), e.MRID,
					ref.Role, ref.TargetType, ref.TargetMRID); err != nil {
					return fmt.Errorf("insert reference of %s %s: %w", e.Type, e.MRID, err)
				}
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Latest returns the manifest of the newest batch.
func (w *Writer) Latest(ctx context.Context) (storage.Manifest, error) {
	var raw string
	err := w.db.QueryRowContext(ctx,
		`SELECT manifest FROM batches ORDER BY rowid DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Manifest{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Manifest{}, fmt.Errorf("query latest batch: %w", err)
	}

	var m storage.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return storage.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// CountEntities returns how many entities a channel contributed to a batch.
func (w *Writer) CountEntities(ctx context.Context, batchID string, k channel.Kind) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE batch_id = ? AND channel = ?`, batchID, k.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

// CountReferences returns how many references were saved for a batch.
func (w *Writer) CountReferences(ctx context.Context, batchID string) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_references WHERE batch_id = ?`, batchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
