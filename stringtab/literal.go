// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringtab maps the strings named by capture events to the small
// integer ids that travel on the wire. Literal strings (stable for the
// process lifetime, typically package-level values naming scopes and stats)
// get a process-wide handle assigned once; dynamic strings are interned
// per-context against a session-scoped id counter so ids renegotiate on
// every new connection. Id zero is reserved and never assigned by either
// space.
package stringtab // import "github.com/framecap/framecap/stringtab"

import (
	"sync"
	"sync/atomic"
)

// literalBase separates literal ids from dynamic ids. Dynamic ids count up
// from zero per session; literal ids count up from literalBase for the
// process lifetime, standing in for the stable storage address the wire
// format was designed around.
const literalBase = uint64(1) << 63

// Literal is an interned handle for a string whose value never changes. Hosts
// create these once, at package init, and pass them to the capture hot path;
// creating one is not cheap and must not happen per event.
type Literal struct {
	id    uint64
	value string
}

// ID returns the literal's process-wide wire id.
func (l Literal) ID() uint64 { return l.id }

// Value returns the literal's contents.
func (l Literal) Value() string { return l.value }

// Valid reports whether the literal was produced by NewLiteral.
func (l Literal) Valid() bool { return l.id != 0 }

var literals = struct {
	sync.RWMutex
	byID map[uint64]string
}{byID: make(map[uint64]string)}

var nextLiteralID atomic.Uint64

// NewLiteral registers a literal string and returns its handle. Ids are
// stable for the process lifetime; registering the same text twice yields two
// distinct handles, exactly as two distinct static storage locations would.
func NewLiteral(value string) Literal {
	id := literalBase | nextLiteralID.Add(1)
	literals.Lock()
	literals.byID[id] = value
	literals.Unlock()
	return Literal{id: id, value: value}
}

// LiteralByID resolves a literal id back to its contents, used to answer
// request-string control packets from the peer.
func LiteralByID(id uint64) (string, bool) {
	literals.RLock()
	v, ok := literals.byID[id]
	literals.RUnlock()
	return v, ok
}

// IsLiteralID reports whether id belongs to the literal id space.
func IsLiteralID(id uint64) bool {
	return id&literalBase != 0
}
