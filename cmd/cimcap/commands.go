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

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// --- Global Command Variables ---
var (
	configPath  string
	listenAddr  string
	dbPath      string
	backendName string
	serverURL   string
	recoverMode string
	jsonOutput  bool

	rootCmd = &cobra.Command{
		Use:   "cimcap",
		Short: "Capture CIM network, diagram and customer data into one batch",
		Long: `cimcap accepts entities from three producers (network, diagram and
customer), validates each channel's references when the producer says it
is done, and saves all three graphs together once every channel is done.`,
		SilenceUsage: true,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestor HTTP server",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Operator ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the open batch on a running server",
		RunE:  runStatus, // Defined in cmd_batch.go
	}
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Retry or discard a batch whose save failed",
		RunE:  runRecover, // Defined in cmd_batch.go
	}
	latestCmd = &cobra.Command{
		Use:   "latest",
		Short: "Show the newest saved batch",
		RunE:  runLatest, // Defined in cmd_batch.go
	}

	// --- Utilities ---
	initConfigCmd = &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInitConfig, // Defined in cmd_serve.go
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cimcap %s\n", Version)
		},
	}
)

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", os.Getenv("CIMCAP_CONFIG"), "Path to the YAML config file")
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "Output database location (overrides storage.path)")
	serveCmd.Flags().StringVar(&backendName, "backend", "", "Storage backend: badger or sqlite (overrides storage.backend)")

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", serverURLDefault(), "Base URL of a running cimcap server")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	recoverCmd.Flags().StringVar(&recoverMode, "mode", "retry", "retry or discard")

	rootCmd.AddCommand(serveCmd, statusCmd, recoverCmd, latestCmd, initConfigCmd, versionCmd)
}

func serverURLDefault() string {
	if v := os.Getenv("CIMCAP_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
