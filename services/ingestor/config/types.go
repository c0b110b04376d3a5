// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/cimcap/services/ingestor/telemetry"
)

// Storage backends.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config is the ingestor's configuration file.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Barrier   BarrierConfig    `yaml:"barrier"`
	Ingest    IngestConfig     `yaml:"ingest"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`             // e.g. :8080
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"` // e.g. 10s
}

type StorageConfig struct {
	// Backend is "badger" (a directory) or "sqlite" (a single file).
	Backend    string `yaml:"backend" validate:"oneof=badger sqlite"`
	Path       string `yaml:"path" validate:"required"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir,omitempty"`
}

// BarrierConfig names the completion barrier's policies. Empty strings
// select the defaults.
type BarrierConfig struct {
	ValidationPolicy string `yaml:"validation_policy"` // complete_despite_diagnostics | hold_on_diagnostics
	FailurePolicy    string `yaml:"failure_policy"`    // retry_on_next_finish | hold_until_recovered
}

type IngestConfig struct {
	// RateLimit is requests per second across all create routes. 0 disables.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    BackendBadger,
			Path:       "./cim-data",
			SyncWrites: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
		Barrier: BarrierConfig{
			ValidationPolicy: "complete_despite_diagnostics",
			FailurePolicy:    "retry_on_next_finish",
		},
		Ingest: IngestConfig{
			RateLimit: 0,
			Burst:     100,
		},
	}
}
