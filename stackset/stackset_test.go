// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package stackset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternAssignsSequentialIDs(t *testing.T) {
	s := New()

	a, isNew := s.Intern([]uintptr{1, 2, 3})
	require.True(t, isNew)
	assert.Equal(t, uint32(0), a.ID)

	b, isNew := s.Intern([]uintptr{4, 5, 6})
	require.True(t, isNew)
	assert.Equal(t, uint32(1), b.ID)

	again, isNew := s.Intern([]uintptr{1, 2, 3})
	assert.False(t, isNew)
	assert.Same(t, a, again)
}

func TestGetAfterAdd(t *testing.T) {
	s := New()
	frames := []uintptr{0xdead, 0xbeef, 0xcafe}

	assert.Nil(t, s.Get(frames))
	e := s.Add(frames)
	assert.Same(t, e, s.Get(frames))

	// The interned copy must not alias the caller's slice.
	frames[0] = 0x1234
	assert.Nil(t, s.Get(frames))
	assert.Equal(t, []uintptr{0xdead, 0xbeef, 0xcafe}, e.Frames)
}

func TestPrefixStacksAreDistinct(t *testing.T) {
	s := New()
	long, isNew := s.Intern([]uintptr{1, 2, 3, 4})
	require.True(t, isNew)
	short, isNew := s.Intern([]uintptr{1, 2, 3})
	require.True(t, isNew)
	assert.NotEqual(t, long.ID, short.ID)
}

func TestManyDistinctStacks(t *testing.T) {
	// Enough stacks to force several table growths past the 25% load limit.
	const n = 10000
	s := New()
	rng := rand.New(rand.NewSource(42))

	stacks := make([][]uintptr, n)
	for i := range stacks {
		depth := 2 + rng.Intn(30)
		frames := make([]uintptr, depth)
		for j := range frames {
			frames[j] = uintptr(rng.Uint64())
		}
		// The leading frame makes each stack unique regardless of rng.
		frames[0] = uintptr(i)
		stacks[i] = frames
	}

	seen := make(map[uint32]bool, n)
	for i, frames := range stacks {
		e, isNew := s.Intern(frames)
		require.True(t, isNew, "stack %d reported as duplicate", i)
		require.False(t, seen[e.ID], "id %d assigned twice", e.ID)
		seen[e.ID] = true
	}
	assert.Equal(t, n, s.Len())

	// Every stack must still resolve to its original id, no false matches.
	for i, frames := range stacks {
		e := s.Get(frames)
		require.NotNil(t, e, "stack %d lost", i)
		assert.Equal(t, stacks[i], e.Frames)
	}
}

func TestReset(t *testing.T) {
	s := New()
	s.Add([]uintptr{1, 2})
	require.NotZero(t, s.MemoryBytes())

	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Get([]uintptr{1, 2}))

	e := s.Add([]uintptr{1, 2})
	assert.Equal(t, uint32(0), e.ID, "ids restart after reset")
}
