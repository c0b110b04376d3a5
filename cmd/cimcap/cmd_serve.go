// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor"
	"github.com/AleutianAI/cimcap/services/ingestor/config"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.LogLevel(),
		LogDir:  cfg.Logging.Dir,
		Service: "cimcap",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	if cfg.Logging.LogLevel() == logging.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := ingestor.New(cfg, configPath, logger)
	if err != nil {
		logger.Error("failed to start ingestor", "error", err)
		return err
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("ingestor stopped with error", "error", err)
		return err
	}
	logger.Info("ingestor stopped")
	return nil
}

// loadServeConfig loads the file and environment, then applies the serve
// flags on top.
func loadServeConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if backendName != "" {
		cfg.Storage.Backend = backendName
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	cfg.Telemetry.ServiceVersion = Version
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := "cimcap.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
