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
	"fmt"
	"strings"
)

// ValidationPolicy decides whether a channel that finishes with
// diagnostics counts as completed.
type ValidationPolicy int

const (
	// CompleteDespiteDiagnostics marks the channel completed even when its
	// report is non-empty. Completion and correctness are separate signals:
	// the caller still receives a ValidationError, but the channel can take
	// part in triggering persistence.
	CompleteDespiteDiagnostics ValidationPolicy = iota

	// HoldOnDiagnostics leaves (or returns) the channel to not-completed
	// when its report is non-empty. The call returns Held.
	HoldOnDiagnostics
)

func (p ValidationPolicy) String() string {
	switch p {
	case CompleteDespiteDiagnostics:
		return "complete_despite_diagnostics"
	case HoldOnDiagnostics:
		return "hold_on_diagnostics"
	default:
		return fmt.Sprintf("validation_policy(%d)", int(p))
	}
}

// ParseValidationPolicy accepts the snake_case names. Empty selects the
// default.
func ParseValidationPolicy(s string) (ValidationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "complete_despite_diagnostics":
		return CompleteDespiteDiagnostics, nil
	case "hold_on_diagnostics":
		return HoldOnDiagnostics, nil
	default:
		return 0, fmt.Errorf("%w: validation policy %q", ErrUnknownPolicy, s)
	}
}

// FailurePolicy decides what finishes do after a persistence failure.
type FailurePolicy int

const (
	// RetryOnNextFinish keeps every flag set after a failed write, so the
	// next finish on any channel finds the batch complete and attempts the
	// write again.
	RetryOnNextFinish FailurePolicy = iota

	// HoldUntilRecovered rejects finishes with ErrBatchFailed until an
	// operator calls Recover.
	HoldUntilRecovered
)

func (p FailurePolicy) String() string {
	switch p {
	case RetryOnNextFinish:
		return "retry_on_next_finish"
	case HoldUntilRecovered:
		return "hold_until_recovered"
	default:
		return fmt.Sprintf("failure_policy(%d)", int(p))
	}
}

// ParseFailurePolicy accepts the snake_case names. Empty selects the
// default.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retry_on_next_finish":
		return RetryOnNextFinish, nil
	case "hold_until_recovered":
		return HoldUntilRecovered, nil
	default:
		return 0, fmt.Errorf("%w: failure policy %q", ErrUnknownPolicy, s)
	}
}

// RecoverMode selects how Recover leaves the failed phase.
type RecoverMode int

const (
	// RecoverRetry attempts the write again with the graphs as they stand.
	RecoverRetry RecoverMode = iota

	// RecoverDiscard drops the batch and opens a fresh one.
	RecoverDiscard
)

func (m RecoverMode) String() string {
	switch m {
	case RecoverRetry:
		return "retry"
	case RecoverDiscard:
		return "discard"
	default:
		return fmt.Sprintf("recover_mode(%d)", int(m))
	}
}

// ParseRecoverMode accepts "retry" or "discard".
func ParseRecoverMode(s string) (RecoverMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "retry":
		return RecoverRetry, nil
	case "discard":
		return RecoverDiscard, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRecoverMode, s)
	}
}
