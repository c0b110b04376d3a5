// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the in-memory entity graph a producer channel
// accumulates, along with the default record builder and reference
// validator.
//
// A Graph is not safe for concurrent use; the owning channel serializes
// access to it.
package graph

import (
	"errors"
	"fmt"
	"iter"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyMRID indicates an entity without an identifier.
	ErrEmptyMRID = errors.New("mRID must not be empty")

	// ErrDuplicateMRID indicates an entity whose mRID is already in the graph.
	ErrDuplicateMRID = errors.New("mRID already exists")

	// ErrUnknownType indicates a record type the channel does not accept.
	ErrUnknownType = errors.New("unsupported entity type")
)

// =============================================================================
// Types
// =============================================================================

// Reference is a typed link from an entity to another entity by mRID.
type Reference struct {
	Role       string `json:"role"`
	TargetType string `json:"type"`
	TargetMRID string `json:"mrid"`
}

// Entity is one typed object in a graph.
type Entity struct {
	MRID       string            `json:"mrid"`
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	References []Reference       `json:"references,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// TypeNameAndMRID renders the entity the way diagnostics refer to it.
func (e Entity) TypeNameAndMRID() string {
	return e.Type + " " + e.MRID
}

// Graph is an insertion-ordered collection of entities keyed by mRID.
type Graph struct {
	byMRID map[string]int
	items  []Entity
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{byMRID: make(map[string]int)}
}

// Add inserts e. The mRID must be non-empty and unique within the graph.
func (g *Graph) Add(e Entity) error {
	if e.MRID == "" {
		return ErrEmptyMRID
	}
	if _, ok := g.byMRID[e.MRID]; ok {
		return fmt.Errorf("%s %s: %w", e.Type, e.MRID, ErrDuplicateMRID)
	}
	g.byMRID[e.MRID] = len(g.items)
	g.items = append(g.items, e)
	return nil
}

// Get returns the entity with the given mRID.
func (g *Graph) Get(mrid string) (Entity, bool) {
	i, ok := g.byMRID[mrid]
	if !ok {
		return Entity{}, false
	}
	return g.items[i], true
}

// Contains reports whether an entity with the given mRID exists.
func (g *Graph) Contains(mrid string) bool {
	_, ok := g.byMRID[mrid]
	return ok
}

// Len returns the number of entities.
func (g *Graph) Len() int {
	return len(g.items)
}

// Entities yields entities in insertion order.
func (g *Graph) Entities() iter.Seq[Entity] {
	return func(yield func(Entity) bool) {
		for _, e := range g.items {
			if !yield(e) {
				return
			}
		}
	}
}

// CountByType returns the number of entities per type.
func (g *Graph) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, e := range g.items {
		counts[e.Type]++
	}
	return counts
}
