// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"iter"
)

// Record is the wire form of one entity sent by a producer.
type Record struct {
	MRID       string            `json:"mrid"`
	Type       string            `json:"type"`
	Name       string            `json:"name,omitempty"`
	References []Reference       `json:"references,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// =============================================================================
// Builder
// =============================================================================

// Builder turns records into entities and links them into a graph.
type Builder struct {
	catalog Catalog
}

// NewBuilder returns a builder restricted to the catalog's types.
func NewBuilder(catalog Catalog) *Builder {
	return &Builder{catalog: catalog}
}

// Add converts rec into an entity and inserts it into g.
//
// # Description
//
// Rejects records whose type is outside the catalog, whose mRID is empty,
// or whose mRID is already present. Targets of references do not need to
// exist yet; dangling references are reported later by the Validator.
//
// # Outputs
//
//   - error: Human-readable, suitable for returning to the producer as-is.
func (b *Builder) Add(g *Graph, rec Record) error {
	if !b.catalog.Accepts(rec.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, rec.Type)
	}
	if rec.MRID == "" {
		return fmt.Errorf("%s: %w", rec.Type, ErrEmptyMRID)
	}
	refs := make([]Reference, len(rec.References))
	copy(refs, rec.References)

	var attrs map[string]string
	if len(rec.Attributes) > 0 {
		attrs = make(map[string]string, len(rec.Attributes))
		for k, v := range rec.Attributes {
			attrs[k] = v
		}
	}

	return g.Add(Entity{
		MRID:       rec.MRID,
		Type:       rec.Type,
		Name:       rec.Name,
		References: refs,
		Attributes: attrs,
	})
}

// =============================================================================
// Reference Validator
// =============================================================================

// Unresolved is one reference whose target is missing from the graph.
type Unresolved struct {
	From      Entity
	Reference Reference
}

// String formats the diagnostic producers receive.
func (u Unresolved) String() string {
	return fmt.Sprintf("%s was missing a reference to %s %s",
		u.From.TypeNameAndMRID(), u.Reference.TargetType, u.Reference.TargetMRID)
}

// UnresolvedReferences lazily yields every dangling reference in g, in
// entity insertion order.
func UnresolvedReferences(g *Graph) iter.Seq[Unresolved] {
	return func(yield func(Unresolved) bool) {
		for e := range g.Entities() {
			for _, ref := range e.References {
				if g.Contains(ref.TargetMRID) {
					continue
				}
				if !yield(Unresolved{From: e, Reference: ref}) {
					return
				}
			}
		}
	}
}

// Validator reports dangling references as diagnostic strings.
type Validator struct {
	// SkipEmptyTargets ignores references with an empty target mRID. The
	// network channel treats those as "not set" rather than missing.
	SkipEmptyTargets bool
}

// Validate lazily yields one diagnostic per unresolved reference.
func (v Validator) Validate(g *Graph) iter.Seq[string] {
	return func(yield func(string) bool) {
		for u := range UnresolvedReferences(g) {
			if v.SkipEmptyTargets && u.Reference.TargetMRID == "" {
				continue
			}
			if !yield(u.String()) {
				return
			}
		}
	}
}
