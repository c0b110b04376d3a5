// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package channel implements the producer channels: the three independent
// ingestion lanes (network, diagram, customer) that each accumulate one
// entity graph.
//
// # Description
//
// A Producer owns its graph and guards it with its own lock. Ingest and
// Reset take the write lock; Finish and the persistence view take the read
// lock. A Producer never records whether it has completed its batch; that
// state belongs to the completion barrier, which serializes it across all
// three channels.
//
// # Lock Ordering
//
// Callers that hold the barrier lock may take channel locks. Channel
// operations never take the barrier lock. Set.View acquires channel locks
// in Kinds() order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/graph"
)

// =============================================================================
// Channel Identity
// =============================================================================

// Kind identifies one of the three channels. The set is fixed.
type Kind int

const (
	Network Kind = iota
	Diagram
	Customer
)

// ErrUnknownKind is returned by ParseKind for names outside the fixed set.
var ErrUnknownKind = errors.New("unknown channel")

// Kinds returns the three channels in their canonical order.
func Kinds() []Kind {
	return []Kind{Network, Diagram, Customer}
}

// String returns the lower-case channel name used in routes, logs, and
// storage keys.
func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Diagram:
		return "diagram"
	case Customer:
		return "customer"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind as its name.
func (k Kind) MarshalText() ([]byte, error) {
	if k < Network || k > Customer {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind from its name.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts a channel name (case-insensitive) into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network":
		return Network, nil
	case "diagram":
		return Diagram, nil
	case "customer":
		return Customer, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// =============================================================================
// Collaborators
// =============================================================================

// Builder turns one wire record into an entity linked into the graph.
type Builder interface {
	Add(g *graph.Graph, rec graph.Record) error
}

// Validator lists the dangling references in a graph as diagnostics.
type Validator interface {
	Validate(g *graph.Graph) iter.Seq[string]
}

// Report is the ordered list of diagnostics produced when a channel
// finishes. An empty report means the graph is self-consistent.
type Report []string

// Empty reports whether there are no diagnostics.
func (r Report) Empty() bool {
	return len(r) == 0
}

// IngestError is returned when the builder rejects a record.
type IngestError struct {
	Channel Kind
	Type    string
	MRID    string
	Cause   error
}

// Error returns the builder's message.
func (e *IngestError) Error() string {
	return e.Cause.Error()
}

// Unwrap returns the builder error.
func (e *IngestError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// Producer
// =============================================================================

// Producer is one ingestion channel and the graph it accumulates.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Producer struct {
	kind      Kind
	builder   Builder
	validator Validator
	logger    *logging.Logger

	mu    sync.RWMutex
	graph *graph.Graph
}

// NewProducer creates a channel with an empty graph.
//
// # Inputs
//
//   - kind: Which channel this is.
//   - builder: Converts records to entities. Must not be nil.
//   - validator: Finds dangling references. Must not be nil.
//   - logger: May be nil.
func NewProducer(kind Kind, builder Builder, validator Validator, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Producer{
		kind:      kind,
		builder:   builder,
		validator: validator,
		logger:    logger.With("channel", kind.String()),
		graph:     graph.New(),
	}
}

// Kind returns the channel identity.
func (p *Producer) Kind() Kind {
	return p.kind
}

// Ingest adds one record to the channel's graph.
//
// # Description
//
// Delegates to the builder under the channel's write lock. A builder error
// is returned as *IngestError carrying the builder's message. Ingest never
// changes completion state and never triggers persistence.
func (p *Producer) Ingest(ctx context.Context, rec graph.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	err := p.builder.Add(p.graph, rec)
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("record rejected", "type", rec.Type, "mrid", rec.MRID, "error", err)
		return &IngestError{Channel: p.kind, Type: rec.Type, MRID: rec.MRID, Cause: err}
	}
	return nil
}

// Finish validates the current graph and returns its diagnostics.
//
// # Description
//
// Runs the validator under the read lock and collects its lazy sequence
// into a Report. Finish mutates nothing; marking the channel completed is
// the barrier's job.
func (p *Producer) Finish(_ context.Context) Report {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var report Report
	for diag := range p.validator.Validate(p.graph) {
		report = append(report, diag)
	}
	return report
}

// Reset replaces the graph with a fresh empty one.
func (p *Producer) Reset() {
	p.mu.Lock()
	p.graph = graph.New()
	p.mu.Unlock()
}

// Len returns the number of entities currently held.
func (p *Producer) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.graph.Len()
}

// =============================================================================
// Set
// =============================================================================

// Set is the fixed triple of channels.
type Set struct {
	producers [3]*Producer
}

// NewSet groups the three producers. Each producer must report the kind of
// the slot it is passed in.
func NewSet(network, diagram, customer *Producer) (*Set, error) {
	s := &Set{producers: [3]*Producer{network, diagram, customer}}
	for i, k := range Kinds() {
		p := s.producers[i]
		if p == nil {
			return nil, fmt.Errorf("%s producer must not be nil", k)
		}
		if p.kind != k {
			return nil, fmt.Errorf("producer for %s reports kind %s", k, p.kind)
		}
	}
	return s, nil
}

// DefaultCatalog returns the entity types a channel accepts by default.
func DefaultCatalog(k Kind) graph.Catalog {
	switch k {
	case Network:
		return graph.NetworkCatalog()
	case Diagram:
		return graph.DiagramCatalog()
	case Customer:
		return graph.CustomerCatalog()
	default:
		return graph.NewCatalog()
	}
}

// NewDefaultSet builds the three channels with the default builder and
// validator. The network channel skips references with empty targets.
func NewDefaultSet(logger *logging.Logger) *Set {
	return &Set{producers: [3]*Producer{
		NewProducer(Network, graph.NewBuilder(DefaultCatalog(Network)), graph.Validator{SkipEmptyTargets: true}, logger),
		NewProducer(Diagram, graph.NewBuilder(DefaultCatalog(Diagram)), graph.Validator{}, logger),
		NewProducer(Customer, graph.NewBuilder(DefaultCatalog(Customer)), graph.Validator{}, logger),
	}}
}

// Get returns the producer for a channel.
func (s *Set) Get(k Kind) *Producer {
	if k < Network || k > Customer {
		return nil
	}
	return s.producers[k]
}

// All yields the producers in Kinds() order.
func (s *Set) All() iter.Seq[*Producer] {
	return func(yield func(*Producer) bool) {
		for _, p := range s.producers {
			if !yield(p) {
				return
			}
		}
	}
}

// View runs fn with all three graphs read-locked.
//
// # Description
//
// Gives persistence a consistent, non-mutating view: no channel can ingest
// or reset while fn runs. Locks are taken in Kinds() order and released
// when fn returns. fn must not retain the graphs.
func (s *Set) View(fn func(network, diagram, customer *graph.Graph) error) error {
	for _, p := range s.producers {
		p.mu.RLock()
	}
	defer func() {
		for i := len(s.producers) - 1; i >= 0; i-- {
			s.producers[i].mu.RUnlock()
		}
	}()
	return fn(s.producers[Network].graph, s.producers[Diagram].graph, s.producers[Customer].graph)
}

// Commit runs fn with all three graphs write-locked and, if fn returns nil,
// replaces every graph with a fresh one before unlocking.
//
// # Description
//
// Ingest and Reset calls that arrive while fn runs wait on the channel
// locks. They proceed only after the reset, so they land in the next batch
// instead of being added to a graph that is about to be discarded. When fn
// fails the graphs are left untouched. Locks are taken in Kinds() order.
// fn must not retain the graphs.
func (s *Set) Commit(fn func(network, diagram, customer *graph.Graph) error) error {
	for _, p := range s.producers {
		p.mu.Lock()
	}
	defer func() {
		for i := len(s.producers) - 1; i >= 0; i-- {
			s.producers[i].mu.Unlock()
		}
	}()

	if err := fn(s.producers[Network].graph, s.producers[Diagram].graph, s.producers[Customer].graph); err != nil {
		return err
	}
	for _, p := range s.producers {
		p.graph = graph.New()
	}
	return nil
}

// ResetAll replaces every channel's graph with a fresh one.
func (s *Set) ResetAll() {
	for _, p := range s.producers {
		p.Reset()
	}
}
