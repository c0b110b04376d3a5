// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cimcap runs and operates the CIM capture ingestor.
//
// Usage:
//
//	cimcap serve --config cimcap.yaml
//	cimcap serve --backend sqlite --db ./cim.db --addr :9090
//	cimcap status
//	cimcap recover --mode retry
//
// Example requests against a running server:
//
//	# Add a substation to the network channel
//	curl -X POST http://localhost:8080/v1/network/Substation -d '{"mrid":"s1"}'
//
//	# Mark the network channel complete
//	curl -X POST http://localhost:8080/v1/network/service/complete
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
