// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package capture // import "github.com/framecap/framecap/capture"

import (
	"github.com/framecap/framecap/metrics"
	"github.com/framecap/framecap/stringtab"
	"github.com/framecap/framecap/wire"
)

// RegisterString interns a dynamic string and returns its session wire id,
// shipping the one-time string-value packet on first sight. Returns 0, which
// is never a valid id, while capture is disabled.
func (c *Context) RegisterString(s string) uint64 {
	if !c.enabled() {
		return 0
	}
	c.sync()
	id, isNew := c.interner.Intern(s)
	if isNew {
		metrics.Inc(metrics.IDStringsInterned)
		c.announce(id, s)
	}
	return id
}

// literalID returns the wire id of a literal, announcing its contents the
// first time the literal is used this session.
func (c *Context) literalID(l stringtab.Literal) uint64 {
	if c.interner.MarkLiteral(l) {
		c.announce(l.ID(), l.Value())
	}
	return l.ID()
}

// announce ships a string-value packet. Oversized strings are truncated to
// fit a single buffer; ids must never be left dangling on the peer side.
func (c *Context) announce(id uint64, s string) {
	if max := c.free.BufferSize() - wire.StringValuePrefix; len(s) > max {
		s = s[:max]
	}
	c.append(wire.StringValuePrefix+len(s), func(b []byte) []byte {
		return wire.AppendStringValue(b, id, s)
	})
}

// OpenScope starts a timed scope named by a literal. Pair with CloseScope on
// the same goroutine; scopes nest like a stack.
func (c *Context) OpenScope(name stringtab.Literal) {
	if !c.enabled() {
		return
	}
	c.OpenScopeAt(name, c.clock.Ticks())
}

// OpenScopeAt is OpenScope with a caller-supplied timestamp.
func (c *Context) OpenScopeAt(name stringtab.Literal, ticks uint64) {
	if !c.enabled() {
		return
	}
	c.sync()
	c.openScope(c.literalID(name), ticks, false)
}

// OpenScopeName starts a timed scope with a runtime-constructed name. Costs a
// dynamic string interning on first sight; prefer OpenScope for fixed names.
func (c *Context) OpenScopeName(name string) {
	if !c.enabled() {
		return
	}
	c.sync()
	c.openScope(c.RegisterString(name), c.clock.Ticks(), false)
}

// OpenConditionalScope starts a scope that is only forwarded if it outlasts
// the peer-configured conditional-scope threshold.
func (c *Context) OpenConditionalScope(name stringtab.Literal) {
	if !c.enabled() {
		return
	}
	c.sync()
	c.openScope(c.literalID(name), c.clock.Ticks(), true)
}

func (c *Context) openScope(nameID, ticks uint64, conditional bool) {
	slot := scopeSlot{nameID: nameID, start: ticks, conditional: conditional}
	if c.shared.CallstacksEnabled.Load() {
		// Skip openScope and its exported caller.
		slot.stackID, _, slot.hasStack = c.captureStack(2)
	}
	c.timerStack = append(c.timerStack, slot)
}

// CloseScope ends the innermost open scope and appends the scope record,
// unless the scope was too short to keep.
func (c *Context) CloseScope() {
	c.CloseScopeAt(c.clock.Ticks())
}

// CloseScopeAt is CloseScope with a caller-supplied timestamp. A scope whose
// open predates a session renegotiation is dropped with its stale slot.
func (c *Context) CloseScopeAt(ticks uint64) {
	c.sync()
	n := len(c.timerStack)
	if n == 0 {
		if c.enabled() {
			c.misuse("CloseScope without matching OpenScope")
		}
		return
	}
	slot := c.timerStack[n-1]
	c.timerStack = c.timerStack[:n-1]
	if !c.enabled() {
		return
	}

	min := c.cfg.MinScopeTicks
	if slot.conditional {
		min = c.shared.CondScopeMinTicks.Load()
	}
	if ticks-slot.start < min {
		return
	}

	if slot.hasStack {
		c.append(wire.ScopeStackSize, func(b []byte) []byte {
			return wire.AppendScopeStack(b, c.thread, slot.nameID,
				slot.start, ticks, slot.stackID)
		})
		return
	}
	c.append(wire.ScopeSize, func(b []byte) []byte {
		return wire.AppendScope(b, c.thread, slot.nameID, slot.start, ticks)
	})
}

// CaptureCallstack walks the caller's stack and returns the interned id.
// isNew reports that the raw frames were shipped just now, on their first
// occurrence.
func (c *Context) CaptureCallstack() (id uint32, isNew bool) {
	if !c.enabled() {
		return 0, false
	}
	c.sync()
	id, isNew, _ = c.captureStack(1)
	return id, isNew
}

// captureStack walks, interns and, on first occurrence, ships a callstack.
// skip hides the capture machinery frames.
func (c *Context) captureStack(skip int) (id uint32, isNew, ok bool) {
	n := c.walker.Walk(skip+1, c.pcs)
	if n == 0 {
		return 0, false, false
	}
	e, isNew := c.stacks.Intern(c.pcs[:n])
	if isNew {
		metrics.Inc(metrics.IDCallstacksInterned)
		c.append(wire.CallstackPrefix+8*len(e.Frames), func(b []byte) []byte {
			return wire.AppendCallstack(b, e.ID, e.Frames)
		})
	}
	return e.ID, isNew, true
}

// RegisterStat records the graph/unit/colour side-channel for a custom stat.
// The descriptor is shipped once per session, on the stat's first sample.
func (c *Context) RegisterStat(name stringtab.Literal, graph, unit string,
	colour uint32) {
	c.descs[name.ID()] = statDesc{graph: graph, unit: unit, colour: colour}
}

// StatInt64 samples a custom integer stat.
func (c *Context) StatInt64(name stringtab.Literal, value int64) {
	if !c.enabled() {
		return
	}
	c.sync()
	nameID := c.literalID(name)
	c.sendDescriptor(nameID)
	ticks := c.clock.Ticks()
	c.append(wire.StatSize, func(b []byte) []byte {
		return wire.AppendStatInt64(b, c.thread, nameID, ticks, value)
	})
}

// StatFloat64 samples a custom floating-point stat.
func (c *Context) StatFloat64(name stringtab.Literal, value float64) {
	if !c.enabled() {
		return
	}
	c.sync()
	nameID := c.literalID(name)
	c.sendDescriptor(nameID)
	ticks := c.clock.Ticks()
	c.append(wire.StatSize, func(b []byte) []byte {
		return wire.AppendStatDouble(b, c.thread, nameID, ticks, value)
	})
}

func (c *Context) sendDescriptor(nameID uint64) {
	desc, ok := c.descs[nameID]
	if !ok {
		return
	}
	if _, sent := c.sentDescs[nameID]; sent {
		return
	}
	c.sentDescs[nameID] = struct{}{}
	graphID := c.RegisterString(desc.graph)
	unitID := c.RegisterString(desc.unit)
	c.append(wire.StatDescriptorSize, func(b []byte) []byte {
		return wire.AppendStatDescriptor(b, nameID, graphID, unitID, desc.colour)
	})
}

// LogMessage records a log line in the capture stream.
func (c *Context) LogMessage(severity uint32, text string) {
	if !c.enabled() {
		return
	}
	if max := c.free.BufferSize() - wire.LogPrefix; len(text) > max {
		text = text[:max]
	}
	ticks := c.clock.Ticks()
	c.append(wire.LogPrefix+len(text), func(b []byte) []byte {
		return wire.AppendLog(b, severity, ticks, text)
	})
}

// Event records a point-in-time generic event.
func (c *Context) Event(name stringtab.Literal) {
	if !c.enabled() {
		return
	}
	c.sync()
	nameID := c.literalID(name)
	ticks := c.clock.Ticks()
	c.append(wire.EventSize, func(b []byte) []byte {
		return wire.AppendEvent(b, c.thread, nameID, ticks)
	})
}

// FrameStart appends a frame boundary marker. Called by the session from its
// own context on every frame-boundary entry.
func (c *Context) FrameStart(frameIndex uint64) {
	if !c.enabled() {
		return
	}
	c.sync()
	ticks := c.clock.Ticks()
	c.append(wire.FrameStartSize, func(b []byte) []byte {
		return wire.AppendFrameStart(b, frameIndex, ticks)
	})
}

// WaitToken pairs a WaitStart with its WaitStop.
type WaitToken struct {
	eventID uint64
	start   uint64
	valid   bool
}

// WaitStart begins a wait event. No packet is written until WaitStop so that
// waits shorter than the configured minimum can be dropped as a pair.
func (c *Context) WaitStart(name stringtab.Literal) WaitToken {
	if !c.enabled() {
		return WaitToken{}
	}
	c.sync()
	return WaitToken{
		eventID: c.literalID(name),
		start:   c.clock.Ticks(),
		valid:   true,
	}
}

// WaitStop ends a wait event, emitting the start/stop pair if it lasted long
// enough.
func (c *Context) WaitStop(tok WaitToken) {
	if !tok.valid || !c.enabled() {
		return
	}
	end := c.clock.Ticks()
	if end-tok.start < c.cfg.MinWaitTicks {
		return
	}
	c.append(2*wire.WaitEventSize, func(b []byte) []byte {
		b = wire.AppendWaitStart(b, c.thread, tok.eventID, tok.start)
		return wire.AppendWaitStop(b, c.thread, tok.eventID, end)
	})
}

// WaitTrigger records the instant an awaited event fired.
func (c *Context) WaitTrigger(name stringtab.Literal) {
	if !c.enabled() {
		return
	}
	c.sync()
	eventID := c.literalID(name)
	ticks := c.clock.Ticks()
	c.append(wire.WaitEventSize, func(b []byte) []byte {
		return wire.AppendWaitTrigger(b, c.thread, eventID, ticks)
	})
}
