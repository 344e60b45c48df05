// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture implements the per-thread capture context: the hot path
// that turns scopes, stats, logs and wait events into wire packets inside a
// fixed-capacity send buffer, and hands filled buffers off to the session's
// transport goroutine. A Context is single-writer: exactly one goroutine
// calls its capture methods. The only lock is a narrow per-context mutex
// guarding the current-buffer swap, which the transport goroutine also takes
// when draining.
package capture // import "github.com/framecap/framecap/capture"

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/framecap/framecap/bufpool"
	"github.com/framecap/framecap/metrics"
	"github.com/framecap/framecap/platform"
	"github.com/framecap/framecap/stackset"
	"github.com/framecap/framecap/stringtab"
)

// Shared holds the session-global state every context reads on the hot path.
// All fields are atomics read without locking; a racing update merely lets a
// few in-flight events use the previous value.
type Shared struct {
	// Enabled gates capture. Set last during connection initialization and
	// cleared first on disconnect.
	Enabled atomic.Bool

	// CondScopeMinTicks is the duration threshold below which conditional
	// scopes are dropped at close. Updated by the peer via a control packet.
	CondScopeMinTicks atomic.Uint64

	// CallstacksEnabled toggles callstack capture on scope open. Updated by
	// the peer via a control packet.
	CallstacksEnabled atomic.Bool

	// IDs is the session-scoped dynamic string id source.
	IDs stringtab.IDCounter

	// Epoch counts session renegotiations. Contexts compare it against
	// their own copy and drop their per-session tables before the next
	// capture call.
	Epoch atomic.Uint64
}

// BeginSession starts a fresh id space and marks every context's per-session
// tables stale. Called by the session while capture is disabled; the tables
// themselves are reset lazily by their owning goroutines, which keeps them
// strictly single-writer.
func (s *Shared) BeginSession() {
	s.IDs.Reset()
	s.Epoch.Add(1)
}

// Config carries the per-context tunables, all optional.
type Config struct {
	// BufferSize is the send buffer capacity. Default 32 KiB.
	BufferSize int
	// MaxBuffers caps live buffers per context; exceeding it drops events.
	MaxBuffers int
	// MinScopeTicks drops every scope shorter than this outright.
	MinScopeTicks uint64
	// MinWaitTicks drops wait start/stop pairs shorter than this.
	MinWaitTicks uint64
	// VerifyStringContent selects byte-exact dynamic string deduplication
	// over the hash-keyed fast path.
	VerifyStringContent bool
	// MaxStackDepth bounds captured callstacks. Default 64.
	MaxStackDepth int
}

// scopeSlot is one entry of the active-timer stack.
type scopeSlot struct {
	nameID      uint64
	start       uint64
	stackID     uint32
	hasStack    bool
	conditional bool
}

// statDesc is the graph/unit/colour side-channel registered for a stat name.
type statDesc struct {
	graph  string
	unit   string
	colour uint32
}

// dropWarnInterval rate-limits the degraded-mode warning.
const dropWarnInterval = 5 * time.Second

// Context is one thread's capture state. Create via New, use from a single
// goroutine, release via FlagShutdown.
type Context struct {
	// Immutable after construction.
	thread uint32
	name   string
	clock  platform.Clock
	walker platform.StackWalker
	shared *Shared
	cfg    Config

	// mu guards cur, filled, free and the conditional scope chains. It is
	// the per-context buffer-swap lock; the transport goroutine takes it
	// briefly in Drain and ReturnBuffer.
	mu     sync.Mutex
	cur    *bufpool.Buffer
	filled bufpool.Chain
	free   *bufpool.FreeList

	// Single-writer state below, touched only by the owning goroutine.
	epoch      uint64
	interner   *stringtab.Interner
	stacks     *stackset.Set
	timerStack []scopeSlot
	descs      map[uint64]statDesc
	sentDescs  map[uint64]struct{}
	pcs        []uintptr

	activeCond *condScope
	condScopes map[string]*condScope

	// shuttingDown tells the transport goroutine to destroy this context
	// once its buffers are drained.
	shuttingDown atomic.Bool

	// lastDropWarn rate-limits degraded-mode logging (wall clock).
	lastDropWarn atomic.Int64
}

// New creates a capture context. thread is the session-assigned index and
// shared the session-global state. Filled buffers queue inside the context
// until the session's transport goroutine collects them via Drain.
func New(thread uint32, name string, shim platform.Shim, shared *Shared,
	cfg Config) *Context {
	if cfg.MaxStackDepth <= 0 {
		cfg.MaxStackDepth = 64
	}
	return &Context{
		thread:     thread,
		name:       name,
		clock:      shim.Clock,
		walker:     shim.Stack,
		shared:     shared,
		cfg:        cfg,
		epoch:      shared.Epoch.Load(),
		free:       bufpool.NewFreeList(cfg.BufferSize, cfg.MaxBuffers, thread),
		interner:   stringtab.NewInterner(&shared.IDs, cfg.VerifyStringContent),
		stacks:     stackset.New(),
		descs:      make(map[uint64]statDesc),
		sentDescs:  make(map[uint64]struct{}),
		pcs:        make([]uintptr, cfg.MaxStackDepth),
		condScopes: make(map[string]*condScope),
	}
}

// Thread returns the session-assigned thread index.
func (c *Context) Thread() uint32 { return c.thread }

// Name returns the thread name announced to the peer.
func (c *Context) Name() string { return c.name }

// enabled reports whether events should be captured at all.
func (c *Context) enabled() bool {
	return c.shared.Enabled.Load()
}

// sync applies a pending session renegotiation. The per-session tables are
// only ever touched by the owning goroutine, so the reset happens here, at
// the next capture call, never from the session's connect path.
func (c *Context) sync() {
	e := c.shared.Epoch.Load()
	if e == c.epoch {
		return
	}
	c.epoch = e
	c.interner.Reset()
	c.stacks.Reset()
	c.sentDescs = make(map[uint64]struct{})
	c.timerStack = c.timerStack[:0]
}

// append reserves size bytes in the current buffer, flushing and swapping
// first when the packet would not fit, then runs fn to serialize the packet.
// The size check always happens before serialization begins so a flush never
// splits a packet. Returns false when the event had to be dropped.
func (c *Context) append(size int, fn func([]byte) []byte) bool {
	c.mu.Lock()
	if c.cur == nil || c.cur.Remaining() < size {
		if !c.swapLocked() {
			c.mu.Unlock()
			c.dropped()
			return false
		}
	}
	c.cur.Commit(fn(c.cur.Extend()))
	c.mu.Unlock()
	return true
}

// swapLocked flushes the current buffer and installs a fresh one. Requires
// c.mu held. Returns false if no buffer could be obtained.
func (c *Context) swapLocked() bool {
	if c.cur != nil && c.cur.Len() > 0 {
		c.flushLocked(c.cur)
		c.cur = nil
	}
	if c.cur == nil {
		c.cur = c.free.Get(c.clock.Ticks())
	}
	return c.cur != nil
}

// flushLocked routes a filled buffer to the open conditional scope's child
// chain if one is active, otherwise to the transport queue.
func (c *Context) flushLocked(b *bufpool.Buffer) {
	if c.activeCond != nil {
		c.activeCond.children.Push(b)
		return
	}
	c.filled.Push(b)
	metrics.Inc(metrics.IDBuffersFlushed)
}

// dropped records a degraded-mode event drop, warning at most once per
// interval.
func (c *Context) dropped() {
	metrics.Inc(metrics.IDEventsDropped)
	now := time.Now().UnixNano()
	last := c.lastDropWarn.Load()
	if now-last >= int64(dropWarnInterval) &&
		c.lastDropWarn.CompareAndSwap(last, now) {
		log.Warnf("capture context %d (%s): buffer pool exhausted, "+
			"dropping events", c.thread, c.name)
	}
}

// Flush hands the current buffer to the transport queue even if it is not
// full. Called by the session at frame boundaries and before disconnects.
func (c *Context) Flush() {
	c.mu.Lock()
	if c.cur != nil && c.cur.Len() > 0 && c.activeCond == nil {
		c.filled.Push(c.cur)
		metrics.Inc(metrics.IDBuffersFlushed)
		c.cur = nil
	}
	c.mu.Unlock()
}

// Drain removes every queued buffer and returns the head of the FIFO chain,
// or nil. Called by the transport goroutine; buffers come back one by one via
// ReturnBuffer.
func (c *Context) Drain() *bufpool.Buffer {
	c.mu.Lock()
	head := c.filled.TakeAll()
	c.mu.Unlock()
	return head
}

// HasQueued reports whether any captured bytes still await transport.
func (c *Context) HasQueued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filled.Len() > 0 || (c.cur != nil && c.cur.Len() > 0)
}

// ReturnBuffer recycles a drained buffer into the context's free list.
func (c *Context) ReturnBuffer(b *bufpool.Buffer) {
	c.mu.Lock()
	c.free.Put(b)
	c.mu.Unlock()
}

// FlagShutdown marks the context for destruction. The transport goroutine
// drains any remaining buffers first; the owning goroutine must not issue
// further capture calls.
func (c *Context) FlagShutdown() {
	c.Flush()
	c.shuttingDown.Store(true)
}

// ShuttingDown reports whether FlagShutdown was called.
func (c *Context) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// MemoryBytes estimates this context's footprint for the session's memory
// ceiling and heartbeat accounting.
func (c *Context) MemoryBytes() (bufferBytes, stringBytes, stackBytes uint64) {
	c.mu.Lock()
	bufferBytes = c.free.LiveBytes()
	c.mu.Unlock()
	return bufferBytes, c.interner.MemoryBytes(), c.stacks.MemoryBytes()
}

// OnConnected discards buffers filled before the connection was initialized,
// including retained conditional chains, so nothing from the previous id
// space reaches the new peer. Called by the session on the frame boundary
// that initializes a connection. The per-session tables are not touched here:
// they belong to the owning goroutine, which resets them via sync once it
// observes the epoch bumped by Shared.BeginSession.
func (c *Context) OnConnected() {
	c.mu.Lock()
	for b := c.filled.TakeAll(); b != nil; {
		next := bufpool.Next(b)
		c.free.Put(b)
		b = next
	}
	if c.cur != nil {
		c.free.Put(c.cur)
		c.cur = nil
	}
	for _, cs := range c.condScopes {
		c.releaseChainLocked(&cs.children)
		cs.lastTrigger = 0
	}
	c.mu.Unlock()
}

// releaseChainLocked returns every buffer of a chain to the free list.
// Requires c.mu held.
func (c *Context) releaseChainLocked(chain *bufpool.Chain) {
	for b := chain.TakeAll(); b != nil; {
		next := bufpool.Next(b)
		c.free.Put(b)
		b = next
	}
}

// ticksPerDuration converts a wall-clock duration to clock ticks.
func (c *Context) ticksPerDuration(d time.Duration) uint64 {
	return uint64(d.Seconds() * float64(c.clock.Frequency()))
}

// misuse reports a programmer error: panic under StrictChecks, otherwise a
// rate-limited log line and best-effort continuation.
func (c *Context) misuse(msg string) {
	if StrictChecks {
		log.Panicf("capture misuse on thread %d (%s): %s", c.thread, c.name, msg)
	}
	now := time.Now().UnixNano()
	last := c.lastDropWarn.Load()
	if now-last >= int64(dropWarnInterval) &&
		c.lastDropWarn.CompareAndSwap(last, now) {
		log.Warnf("capture misuse on thread %d (%s): %s", c.thread, c.name, msg)
	}
}

// StrictChecks makes programmer misuse (mismatched scope pairs, nested
// conditional scopes) panic instead of degrading. Enable in debug builds and
// tests.
var StrictChecks = false
