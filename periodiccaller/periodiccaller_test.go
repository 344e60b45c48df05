// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCallsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	stop := Start(ctx, time.Millisecond, func() {
		calls.Add(1)
	})
	defer stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, time.Second, time.Millisecond)
}

func TestStopWaitsForCallback(t *testing.T) {
	var calls atomic.Int64
	stop := Start(context.Background(), time.Millisecond, func() {
		calls.Add(1)
	})

	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, time.Second, time.Millisecond)

	stop()
	after := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestManualTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trigger := make(chan struct{}, 1)
	var manual atomic.Int64
	// Interval far beyond the test runtime, only triggers fire.
	stop := StartWithManualTrigger(ctx, time.Hour, trigger,
		func(manualTrigger bool) {
			if manualTrigger {
				manual.Add(1)
			}
		})
	defer stop()

	trigger <- struct{}{}
	require.Eventually(t, func() bool {
		return manual.Load() == 1
	}, time.Second, time.Millisecond)

	trigger <- struct{}{}
	require.Eventually(t, func() bool {
		return manual.Load() == 2
	}, time.Second, time.Millisecond)
}

func TestContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int64
	stop := StartWithManualTrigger(ctx, time.Millisecond, nil,
		func(bool) { calls.Add(1) })

	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, time.Second, time.Millisecond)

	cancel()
	stop()
	after := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}
