// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller allows periodic calls of functions.
package periodiccaller // import "github.com/framecap/framecap/periodiccaller"

import (
	"context"
	"time"
)

// Start calls <callback> every <interval> until <ctx> is canceled. The
// returned stop function ends the calls and waits for an in-flight one to
// return.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	return StartWithManualTrigger(ctx, interval, nil,
		func(bool) { callback() })
}

// StartWithManualTrigger is Start with an additional <trigger> channel that
// forces an immediate call; the callback learns whether it ran off the timer
// or off a trigger.
func StartWithManualTrigger(ctx context.Context, interval time.Duration,
	trigger <-chan struct{}, callback func(manualTrigger bool)) func() {
	ctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
