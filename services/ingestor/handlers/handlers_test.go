// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/graph"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Fakes
// =============================================================================

type fakeIngester struct {
	kind   channel.Kind
	got    []graph.Record
	err    error
	resets int
}

func (f *fakeIngester) Kind() channel.Kind { return f.kind }

func (f *fakeIngester) Ingest(_ context.Context, rec graph.Record) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, rec)
	return nil
}

func (f *fakeIngester) Reset() { f.resets++ }

type fakeCoordinator struct {
	result     barrier.Result
	err        error
	state      barrier.State
	recoverErr error
	mode       barrier.RecoverMode
}

func (f *fakeCoordinator) Complete(_ context.Context, k channel.Kind) (barrier.Result, error) {
	res := f.result
	res.Channel = k
	return res, f.err
}

func (f *fakeCoordinator) Status() barrier.State { return f.state }

func (f *fakeCoordinator) Recover(_ context.Context, mode barrier.RecoverMode) (barrier.State, error) {
	f.mode = mode
	return f.state, f.recoverErr
}

type countingRecorder struct {
	ok, rejected int
}

func (r *countingRecorder) RecordIngest(_ channel.Kind, _ string, ok bool) {
	if ok {
		r.ok++
	} else {
		r.rejected++
	}
}

type fakeLatest struct {
	m   storage.Manifest
	err error
}

func (f fakeLatest) Latest(context.Context) (storage.Manifest, error) { return f.m, f.err }

func serve(h gin.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Handle(method, "/", h)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

// =============================================================================
// CompleteStatus
// =============================================================================

func TestCompleteStatus(t *testing.T) {
	validation := &barrier.ValidationError{Channel: channel.Diagram, Diagnostics: channel.Report{"x"}}
	persist := &barrier.PersistError{BatchID: "b1", Cause: errors.New("disk")}
	observer := &barrier.ObserverError{Observer: "audit", Cause: errors.New("down")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", validation, http.StatusBadRequest},
		{"persist", persist, http.StatusInternalServerError},
		{"observer", observer, http.StatusInternalServerError},
		{"persist and validation", errors.Join(persist, validation), http.StatusInternalServerError},
		{"failed batch", fmt.Errorf("finish network: %w", barrier.ErrBatchFailed), http.StatusConflict},
		{"closed", fmt.Errorf("batch b1: %w", barrier.ErrClosed), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompleteStatus(tt.err))
		})
	}
}

// =============================================================================
// Handlers
// =============================================================================

func TestCreateEntity_FillsRouteType(t *testing.T) {
	ing := &fakeIngester{kind: channel.Customer}
	rec := &countingRecorder{}

	w := serve(CreateEntity(ing, "Tariff", rec), http.MethodPost, `{"mrid":"t1","attributes":{"code":"A"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, ing.got, 1)
	assert.Equal(t, "Tariff", ing.got[0].Type)
	assert.Equal(t, "A", ing.got[0].Attributes["code"])
	assert.Equal(t, 1, rec.ok)
}

func TestCreateEntity_Rejections(t *testing.T) {
	rec := &countingRecorder{}

	w := serve(CreateEntity(&fakeIngester{kind: channel.Network}, "Pole", rec), http.MethodPost, `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(CreateEntity(&fakeIngester{kind: channel.Network}, "Pole", rec), http.MethodPost, `{"mrid":"p1","type":"Fuse"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `does not match route type`)

	failing := &fakeIngester{kind: channel.Network, err: graph.ErrDuplicateMRID}
	w = serve(CreateEntity(failing, "Pole", rec), http.MethodPost, `{"mrid":"p1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "mRID already exists")

	assert.Equal(t, 3, rec.rejected)
	assert.Zero(t, rec.ok)
}

func TestResetChannel(t *testing.T) {
	ing := &fakeIngester{kind: channel.Diagram}
	w := serve(ResetChannel(ing, logging.Nop()), http.MethodPost, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ing.resets)
	assert.Contains(t, w.Body.String(), `"channel":"diagram"`)
}

func TestCompleteChannel_Body(t *testing.T) {
	coord := &fakeCoordinator{
		result: barrier.Result{Outcome: barrier.Persisted, BatchID: "b7", Diagnostics: channel.Report{"d"}},
		err:    &barrier.ValidationError{Channel: channel.Network, Diagnostics: channel.Report{"d"}},
	}
	w := serve(CompleteChannel(coord, channel.Network), http.MethodPost, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body CompleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, channel.Network, body.Channel)
	assert.Equal(t, barrier.Persisted, body.Outcome)
	assert.Equal(t, "b7", body.BatchID)
	assert.Equal(t, "d\n", body.Error)
}

func TestBatchStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	coord := &fakeCoordinator{state: barrier.State{
		Phase:     barrier.PhaseFailed,
		BatchID:   "b2",
		Cause:     errors.New("disk full"),
		Completed: map[channel.Kind]bool{channel.Network: true, channel.Diagram: true, channel.Customer: true},
		OpenedAt:  now,
		UpdatedAt: now.Add(time.Minute),
	}}

	w := serve(BatchStatus(coord), http.MethodGet, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body BatchStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, barrier.PhaseFailed, body.Phase)
	assert.Equal(t, "disk full", body.Error)
	assert.Equal(t, map[string]bool{"network": true, "diagram": true, "customer": true}, body.Completed)
	assert.True(t, body.UpdatedAt.Equal(now.Add(time.Minute)))
}

func TestRecoverBatch(t *testing.T) {
	coord := &fakeCoordinator{}
	assert.Equal(t, http.StatusBadRequest, serve(RecoverBatch(coord), http.MethodPost, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(RecoverBatch(coord), http.MethodPost, `{"mode":"undo"}`).Code)

	assert.Equal(t, http.StatusOK, serve(RecoverBatch(coord), http.MethodPost, `{"mode":"discard"}`).Code)
	assert.Equal(t, barrier.RecoverDiscard, coord.mode)

	coord.recoverErr = barrier.ErrNotFailed
	assert.Equal(t, http.StatusConflict, serve(RecoverBatch(coord), http.MethodPost, `{"mode":"retry"}`).Code)

	coord.recoverErr = barrier.ErrClosed
	assert.Equal(t, http.StatusServiceUnavailable, serve(RecoverBatch(coord), http.MethodPost, `{"mode":"retry"}`).Code)

	coord.recoverErr = &barrier.PersistError{BatchID: "b", Cause: errors.New("still down")}
	assert.Equal(t, http.StatusInternalServerError, serve(RecoverBatch(coord), http.MethodPost, `{"mode":"retry"}`).Code)
	assert.Equal(t, barrier.RecoverRetry, coord.mode)
}

func TestLatestBatch(t *testing.T) {
	w := serve(LatestBatch(fakeLatest{err: storage.ErrNotFound}), http.MethodGet, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(LatestBatch(fakeLatest{err: errors.New("io")}), http.MethodGet, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	m := storage.Manifest{BatchID: "b9", Counts: map[string]int{"network": 4}}
	w = serve(LatestBatch(fakeLatest{m: m}), http.MethodGet, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"b9"`)
}
