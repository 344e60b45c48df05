// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/framecap/framecap/capture"

import (
	"time"

	"github.com/framecap/framecap/bufpool"
	"github.com/framecap/framecap/metrics"
)

// A conditional parent scope records everything captured between Push and Pop
// into a private buffer chain instead of the live stream. The caller decides
// at Pop whether the frame was interesting; only then is the chain forwarded,
// together with still-retained chains from earlier frames within the
// pre-retention window. Chains that never prove interesting are aged out
// without ever touching the network.
type condScope struct {
	name string

	// preTicks is how long unsent child buffers are retained; postTicks is
	// how long after a keep decision subsequent frames keep being forwarded.
	preTicks  uint64
	postTicks uint64

	// children holds retained buffers from this and previous frames.
	children bufpool.Chain

	// pushTicks is when the current speculative region began.
	pushTicks uint64

	// lastTrigger is the tick of the most recent keep decision, zero if
	// none.
	lastTrigger uint64
}

// Decision is the verdict a caller passes to PopConditionalParentScope.
type Decision bool

const (
	// Keep forwards the retained child chain to the sink.
	Keep Decision = true
	// Discard leaves the chain in retention; it ages out unless a later
	// frame triggers within the pre-retention window.
	Discard Decision = false
)

// DecisionFunc derives the verdict from the scope's span. Start and end are
// clock ticks, frequency converts them to wall time.
type DecisionFunc func(start, end, frequency uint64) Decision

// PushConditionalParentScope begins speculative retention under the given
// scope name. Nesting is not supported: pushing while another conditional
// parent scope is open on this context fails fast.
func (c *Context) PushConditionalParentScope(name string, pre,
	post time.Duration) {
	if !c.enabled() {
		return
	}
	c.sync()

	c.mu.Lock()
	if c.activeCond != nil {
		c.mu.Unlock()
		c.misuse("nested conditional parent scopes are not supported")
		return
	}
	cs, ok := c.condScopes[name]
	if !ok {
		cs = &condScope{
			name:      name,
			preTicks:  c.ticksPerDuration(pre),
			postTicks: c.ticksPerDuration(post),
		}
		c.condScopes[name] = cs
	}

	// Pre-push events go out ahead of the speculative region so the
	// thread's stream stays in capture order; capture between push and pop
	// lands in fresh buffers routed to the scope's child chain.
	if c.cur != nil && c.cur.Len() > 0 {
		c.filled.Push(c.cur)
		metrics.Inc(metrics.IDBuffersFlushed)
		c.cur = nil
	}
	cs.pushTicks = c.clock.Ticks()
	if c.cur == nil {
		c.cur = c.free.Get(cs.pushTicks)
	} else {
		c.cur.CreationTicks = cs.pushTicks
	}
	c.activeCond = cs
	c.mu.Unlock()

	if c.cur == nil {
		// Degraded: events until pop will be dropped by append.
		c.dropped()
	}
}

// PopConditionalParentScope ends the speculative region. The decision
// callback sees the region's push and pop ticks and the clock frequency.
func (c *Context) PopConditionalParentScope(decide DecisionFunc) {
	if !c.enabled() {
		return
	}
	now := c.clock.Ticks()

	c.mu.Lock()
	cs := c.activeCond
	if cs == nil {
		c.mu.Unlock()
		c.misuse("PopConditionalParentScope without matching push")
		return
	}

	// Move the in-scope buffer onto the child chain. Post-pop capture
	// starts in a fresh buffer, after the chain in the transport queue.
	if c.cur != nil {
		if c.cur.Len() > 0 {
			cs.children.Push(c.cur)
		} else {
			c.free.Put(c.cur)
		}
		c.cur = nil
	}
	c.activeCond = nil

	keep := decide != nil &&
		decide(cs.pushTicks, now, c.clock.Frequency()) == Keep
	if keep {
		cs.lastTrigger = now
	}
	// A recent trigger keeps subsequent frames flowing for postTicks.
	inPostWindow := cs.lastTrigger != 0 && now-cs.lastTrigger <= cs.postTicks

	if keep || inPostWindow {
		c.forwardChainLocked(cs)
	}
	c.mu.Unlock()
}

// forwardChainLocked moves the scope's entire child chain, oldest first, to
// the transport queue. Requires c.mu held.
func (c *Context) forwardChainLocked(cs *condScope) {
	n := cs.children.Len()
	for b := cs.children.TakeAll(); b != nil; {
		next := bufpool.Next(b)
		c.filled.Push(b)
		b = next
	}
	if n > 0 {
		metrics.Add(metrics.IDCondScopeBuffersKept, int64(n))
		metrics.Add(metrics.IDBuffersFlushed, int64(n))
	}
}

// TrimConditionalScopes discards retained child buffers older than each
// scope's pre-retention window. Called by the session on every frame
// boundary; this bounds memory for scopes that rarely trigger.
func (c *Context) TrimConditionalScopes(nowTicks uint64) {
	c.mu.Lock()
	for _, cs := range c.condScopes {
		for {
			b := cs.children.Peek()
			if b == nil || nowTicks-b.CreationTicks <= cs.preTicks {
				break
			}
			cs.children.Pop()
			c.free.Put(b)
			metrics.Inc(metrics.IDCondScopeBuffersTrimmed)
		}
	}
	c.mu.Unlock()
}

// RetainedConditionalBytes sums the child-chain payloads across all scopes,
// for memory accounting.
func (c *Context) RetainedConditionalBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, cs := range c.condScopes {
		total += cs.children.Bytes()
	}
	return total
}
