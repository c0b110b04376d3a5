// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines what the persistence backends have in common.
// The backends live in the badger and sqlite subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
)

// ErrNotFound is returned when no persisted batch matches.
var ErrNotFound = errors.New("batch not found")

// Manifest summarizes one persisted batch.
type Manifest struct {
	BatchID     string                    `json:"batch_id"`
	PersistedAt time.Time                 `json:"persisted_at"`
	Counts      map[string]int            `json:"counts"`
	Types       map[string]map[string]int `json:"types"`
}

// Total returns the number of entities across all channels.
func (m Manifest) Total() int {
	n := 0
	for _, c := range m.Counts {
		n += c
	}
	return n
}

// NewManifest summarizes a snapshot.
func NewManifest(snap barrier.Snapshot, at time.Time) Manifest {
	m := Manifest{
		BatchID:     snap.BatchID,
		PersistedAt: at.UTC(),
		Counts:      make(map[string]int, 3),
		Types:       make(map[string]map[string]int, 3),
	}
	for _, k := range channel.Kinds() {
		g := snap.Graph(k)
		if g == nil {
			m.Counts[k.String()] = 0
			continue
		}
		m.Counts[k.String()] = g.Len()
		m.Types[k.String()] = g.CountByType()
	}
	return m
}

// Backend is a persistence writer the server can read back from.
type Backend interface {
	barrier.Persister

	// Latest returns the manifest of the most recently persisted batch, or
	// ErrNotFound.
	Latest(ctx context.Context) (Manifest, error)

	Close() error
}
