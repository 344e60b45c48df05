// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackset deduplicates captured callstacks by content. Each distinct
// stack is assigned a small sequential id which is what travels on the wire;
// the raw frames are shipped once, when the stack is first seen. The set is
// owned by a single capture context and needs no locking.
package stackset // import "github.com/framecap/framecap/stackset"

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

const (
	// initialSlots must be a power of two.
	initialSlots = 256

	// maxLoadShift grows the table once count*4 >= slots (25% load), keeping
	// probe sequences short.
	maxLoadShift = 2

	// arenaChunkFrames is the allocation granularity of the frame arena.
	arenaChunkFrames = 16 * 1024
)

// Entry is one interned callstack. Frames point into the set's arena and are
// immutable; they stay valid until Reset.
type Entry struct {
	ID     uint32
	Hash   uint64
	Frames []uintptr
}

// Set is an open-addressed, linear-probed hash set of callstacks.
type Set struct {
	table  []*Entry
	count  int
	nextID uint32

	// arena holds interned frame copies. Entries are never freed
	// individually; Reset drops every chunk at once.
	arena     [][]uintptr
	arenaFree []uintptr

	// Footprint counters. Atomic because the session goroutine reads them
	// for heartbeat accounting while the owning goroutine interns.
	arenaBytes atomic.Uint64
	tableBytes atomic.Uint64

	// scratch is the reusable hashing buffer.
	scratch []byte
}

func New() *Set {
	s := &Set{table: make([]*Entry, initialSlots)}
	s.tableBytes.Store(initialSlots * 8)
	return s
}

// Get returns the entry for frames, or nil if the stack has not been interned
// yet.
func (s *Set) Get(frames []uintptr) *Entry {
	return s.lookup(frames, s.hash(frames))
}

// Add interns frames, which must not already be present, and returns the new
// entry carrying the next sequential id.
func (s *Set) Add(frames []uintptr) *Entry {
	hash := s.hash(frames)
	e := &Entry{
		ID:     s.nextID,
		Hash:   hash,
		Frames: s.arenaCopy(frames),
	}
	s.nextID++
	s.insert(e)
	return e
}

// Intern combines Get and Add: it returns the entry for frames and whether it
// was newly created. The caller must ship the raw frames exactly once, when
// isNew is true.
func (s *Set) Intern(frames []uintptr) (e *Entry, isNew bool) {
	hash := s.hash(frames)
	if e := s.lookup(frames, hash); e != nil {
		return e, false
	}
	e = &Entry{
		ID:     s.nextID,
		Hash:   hash,
		Frames: s.arenaCopy(frames),
	}
	s.nextID++
	s.insert(e)
	return e, true
}

// Len returns the number of distinct stacks interned.
func (s *Set) Len() int {
	return s.count
}

// MemoryBytes estimates the set's footprint for session accounting.
func (s *Set) MemoryBytes() uint64 {
	return s.arenaBytes.Load() + s.tableBytes.Load()
}

// Reset discards every entry and the whole arena. Ids restart from zero; used
// when a new connection renegotiates callstack ids.
func (s *Set) Reset() {
	s.table = make([]*Entry, initialSlots)
	s.count = 0
	s.nextID = 0
	s.arena = nil
	s.arenaFree = nil
	s.arenaBytes.Store(0)
	s.tableBytes.Store(initialSlots * 8)
}

func (s *Set) hash(frames []uintptr) uint64 {
	b := s.scratch[:0]
	for _, f := range frames {
		b = binary.LittleEndian.AppendUint64(b, uint64(f))
	}
	s.scratch = b
	return xxh3.Hash(b)
}

func (s *Set) lookup(frames []uintptr, hash uint64) *Entry {
	mask := uint64(len(s.table) - 1)
	for i := hash & mask; ; i = (i + 1) & mask {
		e := s.table[i]
		if e == nil {
			return nil
		}
		if e.Hash == hash && framesEqual(e.Frames, frames) {
			return e
		}
	}
}

func (s *Set) insert(e *Entry) {
	if (s.count+1)<<maxLoadShift >= len(s.table) {
		s.grow()
	}
	mask := uint64(len(s.table) - 1)
	i := e.Hash & mask
	for s.table[i] != nil {
		i = (i + 1) & mask
	}
	s.table[i] = e
	s.count++
}

func (s *Set) grow() {
	old := s.table
	s.table = make([]*Entry, len(old)*2)
	s.tableBytes.Store(uint64(len(s.table)) * 8)
	mask := uint64(len(s.table) - 1)
	for _, e := range old {
		if e == nil {
			continue
		}
		i := e.Hash & mask
		for s.table[i] != nil {
			i = (i + 1) & mask
		}
		s.table[i] = e
	}
}

// arenaCopy copies frames into the arena and returns the stable copy.
func (s *Set) arenaCopy(frames []uintptr) []uintptr {
	n := len(frames)
	if n > len(s.arenaFree) {
		chunk := arenaChunkFrames
		if n > chunk {
			chunk = n
		}
		fresh := make([]uintptr, chunk)
		s.arena = append(s.arena, fresh)
		s.arenaFree = fresh
		s.arenaBytes.Add(uint64(chunk) * 8)
	}
	dst := s.arenaFree[:n:n]
	s.arenaFree = s.arenaFree[n:]
	copy(dst, frames)
	return dst
}

func framesEqual(a, b []uintptr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
