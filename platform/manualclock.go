// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package platform // import "github.com/framecap/framecap/platform"

import "sync/atomic"

// ManualClock is a Clock for tests: it only moves when told to.
type ManualClock struct {
	now  atomic.Uint64
	freq uint64
}

// NewManualClock returns a ManualClock with the given tick frequency.
func NewManualClock(frequency uint64) *ManualClock {
	return &ManualClock{freq: frequency}
}

func (c *ManualClock) Ticks() uint64 {
	return c.now.Load()
}

func (c *ManualClock) Frequency() uint64 {
	return c.freq
}

// Advance moves the clock forward by delta ticks.
func (c *ManualClock) Advance(delta uint64) {
	c.now.Add(delta)
}

// Set moves the clock to an absolute tick count.
func (c *ManualClock) Set(ticks uint64) {
	c.now.Store(ticks)
}
