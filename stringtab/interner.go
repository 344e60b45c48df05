// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package stringtab // import "github.com/framecap/framecap/stringtab"

import (
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

// cacheSize bounds the per-context dynamic-string cache. Eviction only costs
// a re-announce of the string value, never correctness.
const cacheSize = 8192

// IDCounter is the session-scoped dynamic string id source, shared by every
// context so ids stay unique across threads. The session resets it when a
// connection is (re)initialized. Id zero is never assigned; it stands for
// "no string" throughout.
type IDCounter struct {
	next atomic.Uint64
}

// Next returns a fresh dynamic string id, always nonzero.
func (c *IDCounter) Next() uint64 {
	return c.next.Add(1)
}

// Reset restarts id assignment for a new session.
func (c *IDCounter) Reset() {
	c.next.Store(0)
}

// Interner caches dynamic-string ids for one capture context and tracks which
// literal ids have been announced this session. It is single-writer, owned by
// the context's goroutine.
type Interner struct {
	ids *IDCounter

	// cache maps xxh3(content) to the assigned id. Keying on the hash alone
	// is the fast default; exact holds the content-keyed table used instead
	// when byte-exact collision detection is enabled.
	cache  *lru.LRU[uint64, uint64]
	exact  map[string]uint64
	verify bool

	// announced marks literal ids whose value packet was already sent this
	// session. Keyed on the handle, not the content: two equal literals
	// still announce separately.
	announced map[uint64]struct{}

	// bytes approximates the interner's footprint. Atomic because the
	// session goroutine reads it for heartbeat accounting while the owning
	// goroutine interns.
	bytes atomic.Uint64
}

// hashKey folds the xxh3 content hash for freelru bucketing.
func hashKey(k uint64) uint32 {
	return uint32(k ^ k>>32)
}

// NewInterner creates an interner drawing ids from ids. With verify set,
// lookups compare string contents byte-exactly instead of trusting the
// 64-bit content hash.
func NewInterner(ids *IDCounter, verify bool) *Interner {
	in := &Interner{
		ids:       ids,
		verify:    verify,
		announced: make(map[uint64]struct{}),
	}
	if verify {
		in.exact = make(map[string]uint64)
	} else {
		// The capacity is fixed and small; New only fails for a zero size.
		cache, err := lru.New[uint64, uint64](cacheSize, hashKey)
		if err != nil {
			panic(err)
		}
		in.cache = cache
	}
	return in
}

// Intern returns the wire id for a dynamic string. isNew is true when the id
// was just assigned and the caller must ship a string-value packet.
func (in *Interner) Intern(s string) (id uint64, isNew bool) {
	if in.verify {
		if id, ok := in.exact[s]; ok {
			return id, false
		}
		id := in.ids.Next()
		in.exact[s] = id
		in.bytes.Add(uint64(len(s)) + 16)
		return id, true
	}

	key := xxh3.HashString(s)
	if id, ok := in.cache.Get(key); ok {
		return id, false
	}
	id = in.ids.Next()
	in.cache.Add(key, id)
	in.bytes.Add(16)
	return id, true
}

// MarkLiteral records the first per-session use of a literal. announce is
// true when the caller must ship the literal's value packet.
func (in *Interner) MarkLiteral(l Literal) (announce bool) {
	if _, ok := in.announced[l.ID()]; ok {
		return false
	}
	in.announced[l.ID()] = struct{}{}
	in.bytes.Add(16)
	return true
}

// MemoryBytes approximates the interner's footprint.
func (in *Interner) MemoryBytes() uint64 {
	return in.bytes.Load()
}

// Reset drops every cached id and announcement so the next use renegotiates
// against a fresh session.
func (in *Interner) Reset() {
	if in.verify {
		in.exact = make(map[string]uint64)
	} else {
		in.cache.Purge()
	}
	in.announced = make(map[uint64]struct{})
	in.bytes.Store(0)
}
