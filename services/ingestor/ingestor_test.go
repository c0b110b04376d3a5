// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingestor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/config"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
	"github.com/AleutianAI/cimcap/services/ingestor/storage/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Storage.Backend = backend
	cfg.Storage.SyncWrites = false
	switch backend {
	case config.BackendSQLite:
		cfg.Storage.Path = filepath.Join(t.TempDir(), "cim.db")
	default:
		cfg.Storage.Path = filepath.Join(t.TempDir(), "cim-data")
	}
	cfg.Telemetry.TraceExporter = "none"
	return cfg
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	return w
}

func TestNew_BothBackendsPersist(t *testing.T) {
	for _, backend := range []string{config.BackendBadger, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			srv, err := New(testConfig(t, backend), "", nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = srv.Close() })
			h := srv.Handler()

			require.Equal(t, http.StatusCreated, post(t, h, "/v1/network/Substation", `{"mrid":"s1"}`).Code)
			require.Equal(t, http.StatusCreated, post(t, h, "/v1/network/Feeder",
				`{"mrid":"f1","references":[{"role":"substation","type":"Substation","mrid":"s1"}]}`).Code)
			require.Equal(t, http.StatusCreated, post(t, h, "/v1/diagram/Diagram", `{"mrid":"d1"}`).Code)
			require.Equal(t, http.StatusCreated, post(t, h, "/v1/customer/Customer", `{"mrid":"c1"}`).Code)

			for _, k := range channel.Kinds() {
				w := post(t, h, "/v1/"+k.String()+"/service/complete", "")
				require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			}

			m, err := srv.Backend().Latest(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 4, m.Total())
			assert.Equal(t, barrier.PhaseOpen, srv.Barrier().Status().Phase)
			assert.NotEqual(t, m.BatchID, srv.Barrier().Status().BatchID)
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	cfg := testConfig(t, config.BackendBadger)
	cfg.Barrier.FailurePolicy = "panic"
	_, err := New(cfg, "", nil)
	assert.ErrorIs(t, err, barrier.ErrUnknownPolicy)

	cfg = testConfig(t, config.BackendBadger)
	cfg.Storage.Backend = "postgres"
	_, err = New(cfg, "", nil)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	configPath := filepath.Join(t.TempDir(), "cimcap.yaml")
	require.NoError(t, config.WriteDefault(configPath))

	srv, err := New(cfg, configPath, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(base + "/health")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, k := range channel.Kinds() {
		r, err := http.Post(base+"/v1/"+k.String()+"/service/complete", "application/json", nil)
		require.NoError(t, err)
		r.Body.Close()
		require.Equal(t, http.StatusOK, r.StatusCode)
	}

	r, err := http.Get(base + "/v1/batch/latest")
	require.NoError(t, err)
	var latest map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&latest))
	r.Body.Close()
	assert.NotEmpty(t, latest["batch_id"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The backend was closed by Serve; the batch is on disk.
	reopened, err := sqlite.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer reopened.Close()
	m, err := reopened.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, latest["batch_id"], m.BatchID)
}

// gatedBackend holds every Persist until release is closed and records
// whether Close arrived while a write was still running.
type gatedBackend struct {
	storage.Backend
	started        chan struct{}
	release        chan struct{}
	writing        atomic.Bool
	closed         atomic.Bool
	closedMidWrite atomic.Bool
}

func (g *gatedBackend) Persist(ctx context.Context, snap barrier.Snapshot) error {
	g.writing.Store(true)
	defer g.writing.Store(false)
	close(g.started)
	<-g.release
	return g.Backend.Persist(ctx, snap)
}

func (g *gatedBackend) Close() error {
	if g.writing.Load() {
		g.closedMidWrite.Store(true)
	}
	g.closed.Store(true)
	return g.Backend.Close()
}

func TestServe_ShutdownWaitsForInFlightWrite(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	cfg.Server.ShutdownTimeout = 100 * time.Millisecond

	inner, err := sqlite.Open(cfg.Storage.Path)
	require.NoError(t, err)
	backend := &gatedBackend{Backend: inner, started: make(chan struct{}), release: make(chan struct{})}
	srv := newServer(cfg, "", nil, backend, barrier.CompleteDespiteDiagnostics, barrier.RetryOnNextFinish)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	h := srv.Handler()
	require.Equal(t, http.StatusOK, post(t, h, "/v1/network/service/complete", "").Code)
	require.Equal(t, http.StatusOK, post(t, h, "/v1/diagram/service/complete", "").Code)

	lastStatus := make(chan int, 1)
	go func() {
		var r *http.Response
		var err error
		for range 100 {
			r, err = http.Post(base+"/v1/customer/service/complete", "application/json", nil)
			if err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err != nil {
			lastStatus <- 0
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		r.Body.Close()
		lastStatus <- r.StatusCode
	}()

	select {
	case <-backend.started:
	case <-time.After(5 * time.Second):
		t.Fatal("the last finish never reached the backend")
	}

	cancel()
	// Well past ShutdownTimeout: the HTTP server has given up on the
	// request, but the write is still held open.
	time.Sleep(400 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Serve returned during a write: %v", err)
	default:
	}
	assert.False(t, backend.closed.Load(), "backend closed while a write was in flight")

	close(backend.release)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down after the write finished")
	}

	assert.True(t, backend.closed.Load())
	assert.False(t, backend.closedMidWrite.Load())
	assert.Equal(t, http.StatusOK, <-lastStatus)

	_, err = srv.Barrier().Complete(context.Background(), channel.Network)
	assert.ErrorIs(t, err, barrier.ErrClosed)

	reopened, err := sqlite.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer reopened.Close()
	m, err := reopened.Latest(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, m.BatchID)
}
