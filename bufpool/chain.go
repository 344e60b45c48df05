// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package bufpool // import "github.com/framecap/framecap/bufpool"

// Chain is a FIFO of buffers linked through their intrusive next pointers.
// Used for a context's filled queue and a conditional scope's child chain.
// Chains are only manipulated under their owner's lock.
type Chain struct {
	head *Buffer
	tail *Buffer

	// count and bytes track the chain contents for memory accounting.
	count int
	bytes uint64
}

// Push appends b to the tail.
func (c *Chain) Push(b *Buffer) {
	b.next = nil
	if c.tail == nil {
		c.head = b
	} else {
		c.tail.next = b
	}
	c.tail = b
	c.count++
	c.bytes += uint64(b.Len())
}

// Pop removes and returns the head, or nil if the chain is empty.
func (c *Chain) Pop() *Buffer {
	b := c.head
	if b == nil {
		return nil
	}
	c.head = b.next
	if c.head == nil {
		c.tail = nil
	}
	b.next = nil
	c.count--
	c.bytes -= uint64(b.Len())
	return b
}

// Peek returns the head without removing it.
func (c *Chain) Peek() *Buffer {
	return c.head
}

// TakeAll empties the chain and returns its former head; the buffers stay
// linked in FIFO order.
func (c *Chain) TakeAll() *Buffer {
	b := c.head
	c.head = nil
	c.tail = nil
	c.count = 0
	c.bytes = 0
	return b
}

// Append moves every buffer of other onto the tail of c, leaving other empty.
func (c *Chain) Append(other *Chain) {
	if other.head == nil {
		return
	}
	if c.tail == nil {
		c.head = other.head
	} else {
		c.tail.next = other.head
	}
	c.tail = other.tail
	c.count += other.count
	c.bytes += other.bytes
	other.head = nil
	other.tail = nil
	other.count = 0
	other.bytes = 0
}

// Len returns the number of chained buffers.
func (c *Chain) Len() int {
	return c.count
}

// Bytes returns the total payload bytes across the chain.
func (c *Chain) Bytes() uint64 {
	return c.bytes
}

// Next returns the buffer following b in its chain, for in-order iteration
// over a detached chain head.
func Next(b *Buffer) *Buffer {
	return b.next
}
