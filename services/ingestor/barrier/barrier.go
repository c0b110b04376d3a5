// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package barrier implements the multi-channel completion barrier: the
// single synchronization point that decides when the three channels have
// all finished their batch, triggers the all-or-nothing write, and resets
// the channels for the next batch.
//
// # Critical Section
//
// Every finish runs observers, updates its channel's completion flag,
// evaluates the all-complete condition and, when it holds, persists and
// resets, all under one mutex. Two concurrent finishes can therefore never
// both observe the batch as complete, and the write is never attempted
// concurrently.
//
// # Lock Ordering
//
// Barrier.mu is always taken before any channel lock. Observers and
// Persisters run with Barrier.mu held and must not call back into the
// Barrier.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
)

// =============================================================================
// Recorder
// =============================================================================

// Recorder receives metric events from the barrier. Calls happen with the
// barrier lock held and must not block.
type Recorder interface {
	ChannelFinished(k channel.Kind, outcome Outcome, diagnostics int)
	PersistDone(elapsed time.Duration, err error)
	PhaseChanged(from, to Phase)
	CompletedChannels(n int)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) ChannelFinished(channel.Kind, Outcome, int) {}
func (NopRecorder) PersistDone(time.Duration, error)           {}
func (NopRecorder) PhaseChanged(Phase, Phase)                  {}
func (NopRecorder) CompletedChannels(int)                      {}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Barrier. The zero value is usable: default policies,
// no observers, no metrics, a no-op logger.
type Config struct {
	// ValidationPolicy decides whether a finish with diagnostics completes
	// the channel.
	ValidationPolicy ValidationPolicy

	// FailurePolicy decides how finishes behave after a failed write.
	FailurePolicy FailurePolicy

	// Observers run in order at the start of every finish.
	Observers []Observer

	Recorder Recorder
	Logger   *logging.Logger

	// Now and NewBatchID are overridable for tests.
	Now        func() time.Time
	NewBatchID func() string
}

// =============================================================================
// Barrier
// =============================================================================

// Barrier coordinates completion across the three channels.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Status does not wait for an
// in-flight write.
type Barrier struct {
	set       *channel.Set
	observers []Observer
	trigger   *persistenceTrigger
	resetter  *batchResetter
	validate  ValidationPolicy
	onFailure FailurePolicy
	recorder  Recorder
	logger    *logging.Logger
	tracer    trace.Tracer
	finishDur metric.Float64Histogram
	now       func() time.Time

	// mu serializes finish, persist, reset and recover.
	mu     sync.Mutex
	closed bool

	// stateMu guards state for readers. Writers hold mu as well.
	stateMu sync.RWMutex
	state   batchState
}

// New creates a barrier over the channel set with a freshly opened batch.
//
// # Inputs
//
//   - set: The three channels. Must not be nil.
//   - persister: The external writer. Must not be nil.
//   - cfg: Policies, observers and hooks.
func New(set *channel.Set, persister Persister, cfg Config) *Barrier {
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewBatchID == nil {
		cfg.NewBatchID = uuid.NewString
	}

	tracer := otel.Tracer("cimcap.ingestor.barrier")
	logger := cfg.Logger.With("component", "barrier")

	finishDur, err := otel.Meter("cimcap.ingestor.barrier").Float64Histogram(
		"cimcap.barrier.finish.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time a finish spends in the barrier, including lock wait, observers and persistence."),
	)
	if err != nil {
		logger.Warn("finish histogram disabled", "error", err)
		finishDur = noop.Float64Histogram{}
	}

	b := &Barrier{
		set:       set,
		observers: slices.Clone(cfg.Observers),
		validate:  cfg.ValidationPolicy,
		onFailure: cfg.FailurePolicy,
		recorder:  cfg.Recorder,
		logger:    logger,
		tracer:    tracer,
		finishDur: finishDur,
		now:       cfg.Now,
		trigger: &persistenceTrigger{
			set:       set,
			persister: persister,
			recorder:  cfg.Recorder,
			logger:    logger,
			tracer:    tracer,
			now:       cfg.Now,
		},
		resetter: &batchResetter{set: set, newBatchID: cfg.NewBatchID},
	}
	now := cfg.Now()
	b.state = batchState{phase: PhaseOpen, batchID: cfg.NewBatchID(), openedAt: now, updatedAt: now}
	return b
}

// Complete validates a channel's graph and then records its finish.
//
// # Description
//
// Validation runs under the channel's read lock but outside the barrier
// lock, so a slow validator does not stall the other channels. The report
// is then passed to OnChannelFinished.
func (b *Barrier) Complete(ctx context.Context, k channel.Kind) (Result, error) {
	p := b.set.Get(k)
	if p == nil {
		return Result{}, fmt.Errorf("%w: %s", channel.ErrUnknownKind, k)
	}
	return b.OnChannelFinished(ctx, k, p.Finish(ctx))
}

// OnChannelFinished records that a channel finished its batch.
//
// # Description
//
// Runs as one critical section:
//
//  1. Every observer runs with the report. Failures become *ObserverError
//     and do not stop the remaining steps.
//  2. The channel's completion flag is set, subject to ValidationPolicy.
//  3. The all-complete condition is evaluated.
//  4. If all channels are complete, the batch is persisted. On success the
//     channels and flags are reset and a new batch opens. On failure the
//     graphs and flags are left as they are and the phase becomes Failed.
//
// Independently of the outcome, a non-empty report yields a
// *ValidationError for this caller, even when the same call persisted.
//
// # Outputs
//
//   - Result: The outcome for this call and the batch it applied to.
//   - error: errors.Join of any *ObserverError and *PersistError, followed
//     by the *ValidationError. Nil when there is nothing to report. When
//     the batch is failed under HoldUntilRecovered, wraps ErrBatchFailed
//     and nothing else happens. After Close, wraps ErrClosed.
//
// Cancelling ctx does not abort a persistence write this call triggers; the
// write is shared by all three channels.
func (b *Barrier) OnChannelFinished(ctx context.Context, k channel.Kind, report channel.Report) (Result, error) {
	if b.set.Get(k) == nil {
		return Result{}, fmt.Errorf("%w: %s", channel.ErrUnknownKind, k)
	}

	ctx, span := b.tracer.Start(ctx, "barrier.finish", trace.WithAttributes(
		attribute.String("channel", k.String()),
		attribute.Int("diagnostics", len(report)),
	))
	defer span.End()

	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	batchID := b.state.batchID
	res := Result{Channel: k, BatchID: batchID, Diagnostics: slices.Clone(report)}
	span.SetAttributes(attribute.String("batch_id", batchID))

	defer func() {
		b.finishDur.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("channel", k.String()),
			attribute.String("outcome", res.Outcome.String()),
		))
	}()

	if b.closed {
		span.SetStatus(codes.Error, "closed")
		return res, fmt.Errorf("batch %s: %w", batchID, ErrClosed)
	}

	if b.state.phase == PhaseFailed && b.onFailure == HoldUntilRecovered {
		res.Outcome = Held
		b.recorder.ChannelFinished(k, Held, len(report))
		span.SetStatus(codes.Error, "batch failed")
		return res, fmt.Errorf("batch %s: %w", batchID, ErrBatchFailed)
	}

	errs := runObservers(ctx, b.observers, FinishEvent{Channel: k, BatchID: batchID, Diagnostics: res.Diagnostics})
	for _, err := range errs {
		b.logger.Error("observer failed", "channel", k.String(), "batch_id", batchID, "error", err)
	}

	held := !report.Empty() && b.validate == HoldOnDiagnostics
	b.update(func(s *batchState) {
		s.completed[k] = !held
	})

	switch {
	case held:
		res.Outcome = Held
	case b.state.allComplete():
		if b.state.phase == PhaseFailed {
			b.logger.Warn("re-attempting persistence of failed batch",
				"channel", k.String(), "batch_id", batchID, "previous_error", b.state.cause)
		}
		outcome, err := b.persistAndReset(context.WithoutCancel(ctx))
		res.Outcome = outcome
		if err != nil {
			errs = append(errs, err)
		}
	default:
		res.Outcome = AwaitingOthers
	}

	b.logger.Debug("channel finished",
		"channel", k.String(), "batch_id", batchID, "outcome", res.Outcome.String(), "diagnostics", len(report))
	b.recorder.ChannelFinished(k, res.Outcome, len(report))

	if !report.Empty() {
		errs = append(errs, &ValidationError{Channel: k, Diagnostics: res.Diagnostics})
	}
	err := errors.Join(errs...)
	if IsInternal(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Outcome.String())
	}
	return res, err
}

// Status returns a copy of the current batch state.
func (b *Barrier) Status() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state.export()
}

// Recover moves the batch out of the failed phase.
//
// # Description
//
// RecoverRetry attempts the write again with the graphs as they stand and,
// on success, resets. RecoverDiscard resets without writing. Either mode
// returns ErrNotFailed unless the phase is Failed.
//
// # Outputs
//
//   - State: The batch state after the attempt.
//   - error: *PersistError when the retry failed, ErrClosed after Close.
func (b *Barrier) Recover(ctx context.Context, mode RecoverMode) (State, error) {
	ctx, span := b.tracer.Start(ctx, "barrier.recover",
		trace.WithAttributes(attribute.String("mode", mode.String())))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.Status(), ErrClosed
	}
	if b.state.phase != PhaseFailed {
		return b.Status(), fmt.Errorf("%w: phase is %s", ErrNotFailed, b.state.phase)
	}

	batchID := b.state.batchID
	switch mode {
	case RecoverRetry:
		b.logger.Info("retrying failed batch", "batch_id", batchID)
		if _, err := b.persistAndReset(context.WithoutCancel(ctx)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retry failed")
			return b.Status(), err
		}
	case RecoverDiscard:
		b.logger.Warn("discarding failed batch", "batch_id", batchID, "error", b.state.cause)
		b.reset()
	default:
		return b.Status(), fmt.Errorf("%w: %d", ErrUnknownRecoverMode, int(mode))
	}
	return b.Status(), nil
}

// Close waits for an in-flight finish or recovery to return and then
// rejects later ones with ErrClosed. Call it before closing the Persister's
// storage. Channels keep accepting ingests. Safe to call more than once.
func (b *Barrier) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.logger.Info("barrier closed", "batch_id", b.state.batchID, "phase", b.state.phase.String())
	}
}

// =============================================================================
// Internal
// =============================================================================

// persistAndReset runs the trigger and, on success, opens a new batch. The
// trigger empties the channels under the same locks as the write. Callers
// hold b.mu and pass a context that cannot be cancelled, since a write
// shared by all three channels must not fail because one caller went away.
func (b *Barrier) persistAndReset(ctx context.Context) (Outcome, error) {
	b.setPhase(PhaseAwaitingPersist, nil)

	if err := b.trigger.persist(ctx, b.state.batchID); err != nil {
		b.setPhase(PhaseFailed, err)
		return PersistFailed, err
	}

	b.setPhase(PhasePersisted, nil)
	b.open()
	return Persisted, nil
}

// reset empties the channels and opens a new batch. Callers hold b.mu.
func (b *Barrier) reset() {
	from := b.state.phase
	b.update(func(s *batchState) {
		b.resetter.reset(s, b.now())
	})
	b.recorder.PhaseChanged(from, PhaseOpen)
}

// open starts a new batch over channels that are already empty. Callers
// hold b.mu.
func (b *Barrier) open() {
	from := b.state.phase
	b.update(func(s *batchState) {
		b.resetter.open(s, b.now())
	})
	b.recorder.PhaseChanged(from, PhaseOpen)
}

func (b *Barrier) setPhase(p Phase, cause error) {
	from := b.state.phase
	b.update(func(s *batchState) {
		s.phase = p
		s.cause = cause
	})
	if from != p {
		b.recorder.PhaseChanged(from, p)
	}
}

// update applies fn to the state under stateMu. Callers hold b.mu.
func (b *Barrier) update(fn func(s *batchState)) {
	b.stateMu.Lock()
	fn(&b.state)
	b.state.updatedAt = b.now()
	n := b.state.completedCount()
	b.stateMu.Unlock()
	b.recorder.CompletedChannels(n)
}
