// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package barrier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/cimcap/services/ingestor/channel"
)

var (
	// ErrBatchFailed is returned by finishes while the batch is failed and
	// the HoldUntilRecovered policy is active.
	ErrBatchFailed = errors.New("batch persistence failed; recovery required")

	// ErrNotFailed is returned by Recover when there is nothing to recover.
	ErrNotFailed = errors.New("batch is not in the failed phase")

	// ErrUnknownRecoverMode is returned by Recover and ParseRecoverMode.
	ErrUnknownRecoverMode = errors.New("unknown recover mode")

	// ErrUnknownPolicy is returned when a policy name cannot be parsed.
	ErrUnknownPolicy = errors.New("unknown policy")

	// ErrClosed is returned by finishes and recoveries after Close.
	ErrClosed = errors.New("barrier is closed")
)

// ValidationError reports that the finishing channel's own graph has
// dangling references. It is client-correctable.
type ValidationError struct {
	Channel     channel.Kind
	Diagnostics []string
}

// Error returns every diagnostic followed by a newline.
func (e *ValidationError) Error() string {
	var sb strings.Builder
	for _, d := range e.Diagnostics {
		sb.WriteString(d)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ObserverError wraps a failure (or recovered panic) from one observer.
type ObserverError struct {
	Observer string
	Cause    error
}

func (e *ObserverError) Error() string {
	return fmt.Sprintf("observer %s: %v", e.Observer, e.Cause)
}

func (e *ObserverError) Unwrap() error {
	return e.Cause
}

// PersistError wraps a failed write of a completed batch.
type PersistError struct {
	BatchID string
	Cause   error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist batch %s: %v", e.BatchID, e.Cause)
}

func (e *PersistError) Unwrap() error {
	return e.Cause
}

// IsInternal reports whether err carries an observer or persistence failure
// or a failed-batch hold, as opposed to only a validation error.
func IsInternal(err error) bool {
	var obsErr *ObserverError
	var persistErr *PersistError
	return errors.As(err, &obsErr) || errors.As(err, &persistErr) || errors.Is(err, ErrBatchFailed)
}
