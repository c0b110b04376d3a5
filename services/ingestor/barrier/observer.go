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
	"context"
	"fmt"

	"github.com/AleutianAI/cimcap/services/ingestor/channel"
)

// FinishEvent is passed to every observer when a channel finishes.
type FinishEvent struct {
	Channel     channel.Kind
	BatchID     string
	Diagnostics channel.Report
}

// Observer is a side-effecting handler run at the start of every finish,
// inside the barrier's critical section. Observers run in registration
// order; a failure in one does not stop the others.
//
// Observers must not call back into the Barrier.
type Observer interface {
	ObserveFinish(ctx context.Context, ev FinishEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev FinishEvent) error

// ObserveFinish calls f.
func (f ObserverFunc) ObserveFinish(ctx context.Context, ev FinishEvent) error {
	return f(ctx, ev)
}

// Named attaches a name to an observer for error messages and logs.
func Named(name string, o Observer) Observer {
	return namedObserver{name: name, Observer: o}
}

type namedObserver struct {
	name string
	Observer
}

func (n namedObserver) Name() string { return n.name }

func observerName(i int, o Observer) string {
	if n, ok := o.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("#%d(%T)", i, o)
}

// runObservers runs every observer and returns one *ObserverError per
// failure, in order.
func runObservers(ctx context.Context, observers []Observer, ev FinishEvent) []error {
	var errs []error
	for i, o := range observers {
		if err := callObserver(ctx, o, ev); err != nil {
			errs = append(errs, &ObserverError{Observer: observerName(i, o), Cause: err})
		}
	}
	return errs
}

func callObserver(ctx context.Context, o Observer, ev FinishEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.ObserveFinish(ctx, ev)
}
