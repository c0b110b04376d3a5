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
	"fmt"
	"time"

	"github.com/AleutianAI/cimcap/services/ingestor/channel"
)

// =============================================================================
// Phase
// =============================================================================

// Phase is where the open batch is in its lifecycle.
//
//	Open ──all finished──▶ AwaitingPersist ──ok──▶ Persisted ──reset──▶ Open
//	                              │
//	                              └──error──▶ Failed ──retry/discard──▶ ...
type Phase int

const (
	// PhaseOpen accepts ingestion and finishes. Some channels may be done.
	PhaseOpen Phase = iota

	// PhaseAwaitingPersist means every channel finished and the write is
	// in flight.
	PhaseAwaitingPersist

	// PhasePersisted means the write succeeded. The resetter opens the next
	// batch immediately afterwards, so this is seen by recorders and logs
	// rather than by Status.
	PhasePersisted

	// PhaseFailed means the last write attempt failed. State.Cause holds
	// the error.
	PhaseFailed
)

// String returns the snake_case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseAwaitingPersist:
		return "awaiting_persist"
	case PhasePersisted:
		return "persisted"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText encodes the phase name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name written by MarshalText.
func (p *Phase) UnmarshalText(text []byte) error {
	for candidate := PhaseOpen; candidate <= PhaseFailed; candidate++ {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome is what a single finish call did to the batch.
type Outcome int

const (
	// AwaitingOthers means the channel was recorded and at least one other
	// channel has not finished.
	AwaitingOthers Outcome = iota

	// Persisted means this call completed the batch and the write succeeded.
	Persisted

	// PersistFailed means this call completed the batch and the write failed.
	PersistFailed

	// Held means the call was not allowed to advance the batch, either
	// because of HoldOnDiagnostics or because the batch is failed under
	// HoldUntilRecovered.
	Held
)

// String returns the snake_case outcome name.
func (o Outcome) String() string {
	switch o {
	case AwaitingOthers:
		return "awaiting_others"
	case Persisted:
		return "persisted"
	case PersistFailed:
		return "persist_failed"
	case Held:
		return "held"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name written by MarshalText.
func (o *Outcome) UnmarshalText(text []byte) error {
	for candidate := AwaitingOthers; candidate <= Held; candidate++ {
		if candidate.String() == string(text) {
			*o = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Result is returned to the caller of a finish.
type Result struct {
	Channel     channel.Kind   `json:"channel"`
	Outcome     Outcome        `json:"outcome"`
	BatchID     string         `json:"batch_id"`
	Diagnostics channel.Report `json:"diagnostics,omitempty"`
}

// =============================================================================
// State
// =============================================================================

// State is a point-in-time copy of the barrier's batch state.
type State struct {
	Phase     Phase
	BatchID   string
	Cause     error
	Completed map[channel.Kind]bool
	OpenedAt  time.Time
	UpdatedAt time.Time
}

// CompletedCount returns how many channels are marked completed.
func (s State) CompletedCount() int {
	n := 0
	for _, done := range s.Completed {
		if done {
			n++
		}
	}
	return n
}

// AllComplete reports whether every channel is marked completed.
func (s State) AllComplete() bool {
	return s.CompletedCount() == len(channel.Kinds())
}

// batchState is the single struct holding all cross-channel state. It is
// written only while Barrier.mu is held.
type batchState struct {
	phase     Phase
	cause     error
	batchID   string
	completed [3]bool
	openedAt  time.Time
	updatedAt time.Time
}

func (s *batchState) allComplete() bool {
	for _, done := range s.completed {
		if !done {
			return false
		}
	}
	return true
}

func (s *batchState) completedCount() int {
	n := 0
	for _, done := range s.completed {
		if done {
			n++
		}
	}
	return n
}

func (s *batchState) export() State {
	completed := make(map[channel.Kind]bool, len(s.completed))
	for _, k := range channel.Kinds() {
		completed[k] = s.completed[k]
	}
	return State{
		Phase:     s.phase,
		BatchID:   s.batchID,
		Cause:     s.cause,
		Completed: completed,
		OpenedAt:  s.openedAt,
		UpdatedAt: s.updatedAt,
	}
}
