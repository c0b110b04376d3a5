// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers for the ingestor.
//
// # Error Classes
//
// Client-correctable errors (builder rejections, dangling references) map
// to 400. Observer and persistence failures map to 500. Finishes against a
// batch held after a failed write map to 409.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/graph"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
)

// =============================================================================
// Interfaces
// =============================================================================

// Ingester is one channel's ingest and reset surface.
type Ingester interface {
	Kind() channel.Kind
	Ingest(ctx context.Context, rec graph.Record) error
	Reset()
}

// Coordinator is the barrier surface the handlers use.
type Coordinator interface {
	Complete(ctx context.Context, k channel.Kind) (barrier.Result, error)
	Status() barrier.State
	Recover(ctx context.Context, mode barrier.RecoverMode) (barrier.State, error)
}

// IngestRecorder counts ingest calls.
type IngestRecorder interface {
	RecordIngest(k channel.Kind, entityType string, ok bool)
}

// LatestReader reads back the newest persisted batch.
type LatestReader interface {
	Latest(ctx context.Context) (storage.Manifest, error)
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CompleteResponse is the body of a finish call.
type CompleteResponse struct {
	barrier.Result
	Error string `json:"error,omitempty"`
}

// BatchStatusResponse describes the open batch.
type BatchStatusResponse struct {
	Phase     barrier.Phase   `json:"phase"`
	BatchID   string          `json:"batch_id"`
	Completed map[string]bool `json:"completed"`
	Error     string          `json:"error,omitempty"`
	OpenedAt  time.Time       `json:"opened_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RecoverRequest is the body of POST /v1/batch/recover.
type RecoverRequest struct {
	Mode string `json:"mode" binding:"required,oneof=retry discard"`
}

func newBatchStatus(st barrier.State) BatchStatusResponse {
	resp := BatchStatusResponse{
		Phase:     st.Phase,
		BatchID:   st.BatchID,
		Completed: make(map[string]bool, len(st.Completed)),
		OpenedAt:  st.OpenedAt,
		UpdatedAt: st.UpdatedAt,
	}
	for k, done := range st.Completed {
		resp.Completed[k.String()] = done
	}
	if st.Cause != nil {
		resp.Error = st.Cause.Error()
	}
	return resp
}

// =============================================================================
// Handlers
// =============================================================================

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateEntity handles "create <Type>" for one channel and entity type.
//
// # Description
//
// Binds a graph.Record and hands it to the channel. The route fixes the
// type; a body naming a different type is rejected. Builder errors are
// returned to the producer verbatim with 400.
func CreateEntity(ing Ingester, entityType string, rec IngestRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body graph.Record
		if err := c.ShouldBindJSON(&body); err != nil {
			rec.RecordIngest(ing.Kind(), entityType, false)
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		if body.Type != "" && body.Type != entityType {
			rec.RecordIngest(ing.Kind(), entityType, false)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("record type %q does not match route type %q", body.Type, entityType),
			})
			return
		}
		body.Type = entityType

		if err := ing.Ingest(c.Request.Context(), body); err != nil {
			rec.RecordIngest(ing.Kind(), entityType, false)
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		rec.RecordIngest(ing.Kind(), entityType, true)
		c.JSON(http.StatusCreated, gin.H{"mrid": body.MRID, "type": entityType})
	}
}

// ResetChannel handles "create <Channel>Service": the channel's graph is
// replaced with an empty one. Completion flags are not touched.
func ResetChannel(ing Ingester, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ing.Reset()
		logger.Info("channel reset", "channel", ing.Kind().String())
		c.JSON(http.StatusOK, gin.H{"channel": ing.Kind().String(), "status": "reset"})
	}
}

// CompleteChannel handles "complete <Channel>Service".
func CompleteChannel(coord Coordinator, k channel.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		res, err := coord.Complete(ctx, k)

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("channel", k.String()),
			attribute.String("outcome", res.Outcome.String()),
		)

		status := CompleteStatus(err)
		resp := CompleteResponse{Result: res}
		if err != nil {
			resp.Error = err.Error()
			_ = c.Error(err)
		}
		c.JSON(status, resp)
	}
}

// CompleteStatus maps a finish error to an HTTP status.
func CompleteStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, barrier.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, barrier.ErrBatchFailed):
		return http.StatusConflict
	case barrier.IsInternal(err):
		return http.StatusInternalServerError
	default:
		var vErr *barrier.ValidationError
		if errors.As(err, &vErr) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// BatchStatus reports the open batch.
func BatchStatus(coord Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, newBatchStatus(coord.Status()))
	}
}

// RecoverBatch moves a failed batch out of the failed phase.
func RecoverBatch(coord Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RecoverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		mode, err := barrier.ParseRecoverMode(req.Mode)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}

		st, err := coord.Recover(c.Request.Context(), mode)
		switch {
		case errors.Is(err, barrier.ErrNotFailed):
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		case errors.Is(err, barrier.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, newBatchStatus(st))
		default:
			c.JSON(http.StatusOK, newBatchStatus(st))
		}
	}
}

// LatestBatch returns the manifest of the newest persisted batch.
func LatestBatch(reader LatestReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := reader.Latest(c.Request.Context())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		default:
			c.JSON(http.StatusOK, m)
		}
	}
}
