// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/handlers"
	"github.com/AleutianAI/cimcap/services/ingestor/middleware"
)

// Deps are the collaborators the routes are wired to.
type Deps struct {
	Channels *channel.Set
	Barrier  handlers.Coordinator
	Metrics  handlers.IngestRecorder
	Storage  handlers.LatestReader
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger

	// Catalog returns the entity types a channel exposes as create routes.
	// Nil means channel.DefaultCatalog.
	Catalog func(channel.Kind) []string

	// RateLimit and Burst bound the ingest routes. Zero disables the limit.
	RateLimit float64
	Burst     int

	ServiceName string
}

// NewRouter builds the gin engine with tracing, request logging and every
// route registered.
func NewRouter(deps Deps) *gin.Engine {
	deps = deps.withDefaults()
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(deps.ServiceName))
	router.Use(middleware.RequestLogger(deps.Logger))
	SetupRoutes(router, deps)
	return router
}

// SetupRoutes registers:
//
//	GET  /health
//	GET  /metrics
//	POST /v1/<channel>/<Type>             create <Type>
//	POST /v1/<channel>/service            create <Channel>Service (reset)
//	POST /v1/<channel>/service/complete   complete <Channel>Service
//	GET  /v1/batch                        barrier status
//	GET  /v1/batch/latest                 newest persisted batch
//	POST /v1/batch/recover                leave the failed phase
func SetupRoutes(router *gin.Engine, deps Deps) {
	deps = deps.withDefaults()

	router.GET("/health", handlers.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		limit := middleware.RateLimit(deps.RateLimit, deps.Burst)
		for p := range deps.Channels.All() {
			k := p.Kind()
			ch := v1.Group("/" + k.String())
			{
				for _, entityType := range deps.Catalog(k) {
					ch.POST("/"+entityType, limit, handlers.CreateEntity(p, entityType, deps.Metrics))
				}
				ch.POST("/service", handlers.ResetChannel(p, deps.Logger))
				ch.POST("/service/complete", handlers.CompleteChannel(deps.Barrier, k))
			}
		}

		batch := v1.Group("/batch")
		{
			batch.GET("", handlers.BatchStatus(deps.Barrier))
			batch.POST("/recover", handlers.RecoverBatch(deps.Barrier))
			if deps.Storage != nil {
				batch.GET("/latest", handlers.LatestBatch(deps.Storage))
			}
		}
	}
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = nopIngestRecorder{}
	}
	if d.Catalog == nil {
		d.Catalog = func(k channel.Kind) []string { return channel.DefaultCatalog(k).Types() }
	}
	if d.ServiceName == "" {
		d.ServiceName = "cimcap"
	}
	return d
}

type nopIngestRecorder struct{}

func (nopIngestRecorder) RecordIngest(channel.Kind, string, bool) {}
