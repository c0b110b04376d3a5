// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ingestor's YAML configuration.
//
// Precedence, lowest to highest: Default, the YAML file, CIMCAP_*
// environment variables. Command-line flags are applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
)

// Environment variables read by Load.
const (
	EnvAddr             = "CIMCAP_ADDR"
	EnvBackend          = "CIMCAP_STORAGE_BACKEND"
	EnvDB               = "CIMCAP_DB"
	EnvLogLevel         = "CIMCAP_LOG_LEVEL"
	EnvLogJSON          = "CIMCAP_LOG_JSON"
	EnvValidationPolicy = "CIMCAP_VALIDATION_POLICY"
	EnvFailurePolicy    = "CIMCAP_FAILURE_POLICY"
	EnvRateLimit        = "CIMCAP_RATE_LIMIT"
)

var configValidate = validator.New()

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Read, parse, override or validation failure. A missing file
//     wraps os.ErrNotExist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it. The environment
// is not consulted.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so a misspelled setting fails loudly.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv(EnvAddr); ok {
		c.Server.Addr = v
	}
	if v, ok := os.LookupEnv(EnvBackend); ok {
		c.Storage.Backend = v
	}
	if v, ok := os.LookupEnv(EnvDB); ok {
		c.Storage.Path = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv(EnvLogJSON); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLogJSON, err)
		}
		c.Logging.JSON = b
	}
	if v, ok := os.LookupEnv(EnvValidationPolicy); ok {
		c.Barrier.ValidationPolicy = v
	}
	if v, ok := os.LookupEnv(EnvFailurePolicy); ok {
		c.Barrier.FailurePolicy = v
	}
	if v, ok := os.LookupEnv(EnvRateLimit); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimit, err)
		}
		c.Ingest.RateLimit = f
	}
	return nil
}

// Validate checks struct tags and the barrier policy names.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, err := c.Barrier.Policies(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Policies parses the configured barrier policies.
func (b BarrierConfig) Policies() (barrier.ValidationPolicy, barrier.FailurePolicy, error) {
	vp, err := barrier.ParseValidationPolicy(b.ValidationPolicy)
	if err != nil {
		return 0, 0, err
	}
	fp, err := barrier.ParseFailurePolicy(b.FailurePolicy)
	if err != nil {
		return 0, 0, err
	}
	return vp, fp, nil
}

// LogLevel returns the configured level, LevelInfo if it does not parse.
func (l LoggingConfig) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(l.Level)
	return level
}
