// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"

	"github.com/AleutianAI/cimcap/pkg/logging"
	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
)

// DiagnosticsLogger is a barrier observer that logs every diagnostic of a
// finishing channel at error level.
type DiagnosticsLogger struct {
	logger *logging.Logger
}

// NewDiagnosticsLogger returns the observer. A nil logger is replaced by a
// no-op one.
func NewDiagnosticsLogger(logger *logging.Logger) *DiagnosticsLogger {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DiagnosticsLogger{logger: logger}
}

// Name identifies the observer in errors.
func (d *DiagnosticsLogger) Name() string {
	return "diagnostics_logger"
}

// ObserveFinish implements barrier.Observer.
func (d *DiagnosticsLogger) ObserveFinish(ctx context.Context, ev barrier.FinishEvent) error {
	for _, diag := range ev.Diagnostics {
		d.logger.ErrorContext(ctx, diag, "channel", ev.Channel.String(), "batch_id", ev.BatchID)
	}
	return nil
}

var _ barrier.Observer = (*DiagnosticsLogger)(nil)
