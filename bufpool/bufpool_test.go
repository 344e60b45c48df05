// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeListRecycles(t *testing.T) {
	fl := NewFreeList(128, 4, 0)

	a := fl.Get(10)
	require.NotNil(t, a)
	assert.Equal(t, uint64(10), a.CreationTicks)
	assert.Equal(t, 128, a.Remaining())

	a.Commit(append(a.Extend(), "hello"...))
	assert.Equal(t, 5, a.Len())
	assert.Equal(t, 123, a.Remaining())

	fl.Put(a)
	b := fl.Get(20)
	assert.Same(t, a, b, "warm buffer should be reused")
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(20), b.CreationTicks)
}

func TestFreeListKeepsOneWarm(t *testing.T) {
	fl := NewFreeList(128, 0, 0)

	a := fl.Get(0)
	b := fl.Get(0)
	fl.Put(a)
	fl.Put(b) // released, not kept

	assert.Equal(t, uint64(128), fl.LiveBytes())
}

func TestFreeListClampsTinySizes(t *testing.T) {
	fl := NewFreeList(16, 0, 0)
	assert.Equal(t, MinBufferSize, fl.BufferSize())

	b := fl.Get(0)
	require.NotNil(t, b)
	assert.Equal(t, MinBufferSize, b.Remaining(),
		"every fixed-size packet must fit a fresh buffer")

	assert.Equal(t, DefaultBufferSize, NewFreeList(0, 0, 0).BufferSize())
}

func TestFreeListCap(t *testing.T) {
	fl := NewFreeList(64, 2, 0)

	a := fl.Get(0)
	b := fl.Get(0)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Nil(t, fl.Get(0), "cap exhausted")

	fl.Put(a)
	assert.NotNil(t, fl.Get(0), "recycled buffer available again")
}

func TestChainFIFO(t *testing.T) {
	fl := NewFreeList(64, 0, 0)
	var c Chain

	first := fl.Get(1)
	second := fl.Get(2)
	third := fl.Get(3)
	first.Commit(append(first.Extend(), 'a'))
	second.Commit(append(second.Extend(), "bc"...))

	c.Push(first)
	c.Push(second)
	c.Push(third)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, uint64(3), c.Bytes())

	assert.Same(t, first, c.Pop())
	assert.Same(t, second, c.Peek())

	head := c.TakeAll()
	assert.Same(t, second, head)
	assert.Same(t, third, Next(head))
	assert.Nil(t, Next(Next(head)))
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Pop())
}

func TestChainAppend(t *testing.T) {
	fl := NewFreeList(64, 0, 0)
	var a, b Chain

	x := fl.Get(1)
	y := fl.Get(2)
	z := fl.Get(3)
	a.Push(x)
	b.Push(y)
	b.Push(z)

	a.Append(&b)
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, 0, b.Len())
	assert.Same(t, x, a.Pop())
	assert.Same(t, y, a.Pop())
	assert.Same(t, z, a.Pop())
}
