// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/framecap/framecap/session"

import (
	"time"

	"github.com/framecap/framecap/bufpool"
)

// Default tunables.
const (
	DefaultAddr           = "127.0.0.1:8428"
	DefaultMaxMemoryBytes = 32 << 20
	DefaultSendInterval   = 100 * time.Millisecond
	DefaultCondScopeMin   = time.Millisecond
)

// Config is the process-boundary configuration for a capture session. The
// zero value works; unset fields pick the defaults above.
type Config struct {
	// Addr is the TCP listen address for the analysis peer.
	Addr string

	// SocketsBlocked administratively disables all socket use. Listening
	// becomes a no-op; only recording to file remains available.
	SocketsBlocked bool

	// MaxMemoryBytes is the aggregate in-memory footprint (buffer pools,
	// string tables, callstack arenas, retained conditional chains) above
	// which FrameBoundary blocks until a send cycle completes.
	MaxMemoryBytes uint64

	// CondScopeMinTime is the starting threshold below which conditional
	// scopes are dropped; the peer may retune it at runtime.
	CondScopeMinTime time.Duration

	// MinScopeDuration drops all scopes shorter than this outright.
	MinScopeDuration time.Duration

	// MinWaitDuration drops wait start/stop pairs shorter than this.
	MinWaitDuration time.Duration

	// SocketDebugFile, when set, mirrors every byte sent to the peer into
	// the named file for wire-level debugging.
	SocketDebugFile string

	// SendInterval is how often the send goroutine drains the contexts.
	SendInterval time.Duration

	// BufferSize is the per-context send buffer capacity.
	BufferSize int

	// MaxBuffersPerContext caps each context's live buffers; exhaustion
	// turns capture lossy instead of growing without bound.
	MaxBuffersPerContext int

	// VerifyStringContent selects byte-exact dynamic string deduplication
	// over the hash-keyed fast path.
	VerifyStringContent bool
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if c.CondScopeMinTime == 0 {
		c.CondScopeMinTime = DefaultCondScopeMin
	}
	if c.SendInterval == 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.BufferSize == 0 {
		c.BufferSize = bufpool.DefaultBufferSize
	}
}
