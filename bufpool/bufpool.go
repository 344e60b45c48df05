// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package bufpool provides the fixed-capacity send buffers that carry
// serialized packets from a capture context to the transport goroutine, and
// the per-context free list they are recycled through. A buffer is owned by
// exactly one party at a time (producer, free list, in-flight queue or a
// conditional scope's child chain); ownership moves by passing the pointer,
// never by sharing it.
package bufpool // import "github.com/framecap/framecap/bufpool"

// DefaultBufferSize is the capacity of a send buffer. Fixed for the buffer's
// lifetime; a write that would not fit triggers a flush-and-swap instead of a
// grow.
const DefaultBufferSize = 32 * 1024

// MinBufferSize is the smallest capacity a free list will hand out. Every
// fixed-size packet must fit a fresh buffer, otherwise an append would grow
// past the fixed capacity.
const MinBufferSize = 64

// Buffer is one fixed-capacity byte region plus its transport bookkeeping.
type Buffer struct {
	// data is the packet bytes written so far. cap(data) never changes.
	data []byte

	// CreationTicks is the clock reading when the buffer was handed to the
	// producer; the conditional scope trim uses it to age out stale
	// children.
	CreationTicks uint64

	// Thread is the capture context's thread index, kept for diagnostics.
	Thread uint32

	// next links buffers into FIFO chains (in-flight queue, child chain,
	// free list).
	next *Buffer
}

// Bytes returns the filled portion of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of bytes written.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Remaining returns how many bytes still fit.
func (b *Buffer) Remaining() int {
	return cap(b.data) - len(b.data)
}

// Extend hands out the writable slice. The caller appends at most
// Remaining() bytes and stores the result back via Commit.
func (b *Buffer) Extend() []byte {
	return b.data
}

// Commit stores the slice returned by an append chain. The slice must alias
// the buffer's backing array; appenders never outgrow it because callers
// check Remaining first.
func (b *Buffer) Commit(data []byte) {
	b.data = data
}

// reset prepares a recycled buffer for a new producer.
func (b *Buffer) reset(ticks uint64) {
	b.data = b.data[:0]
	b.CreationTicks = ticks
	b.next = nil
}

// FreeList recycles buffers for one capture context. It is only ever touched
// with the owning context's lock held, so it needs no locking of its own.
type FreeList struct {
	// head of the free chain.
	head *Buffer

	// free counts buffers currently on the chain.
	free int

	// total counts buffers ever handed out and not destroyed, free or not.
	total int

	// maxBuffers caps total. Get fails once the cap is reached and nothing
	// is free; the caller degrades to lossy capture rather than growing
	// without bound.
	maxBuffers int

	// bufferSize is the capacity of every buffer created by this list.
	bufferSize int

	// thread index stamped onto created buffers.
	thread uint32
}

// NewFreeList returns a free list creating buffers of size bytes, capped at
// maxBuffers live buffers. Zero values select DefaultBufferSize and an
// effectively unbounded cap; sizes below MinBufferSize are raised to it.
func NewFreeList(size, maxBuffers int, thread uint32) *FreeList {
	if size <= 0 {
		size = DefaultBufferSize
	} else if size < MinBufferSize {
		size = MinBufferSize
	}
	if maxBuffers <= 0 {
		maxBuffers = int(^uint(0) >> 1)
	}
	return &FreeList{
		maxBuffers: maxBuffers,
		bufferSize: size,
		thread:     thread,
	}
}

// Get returns an empty buffer stamped with ticks, reusing a free one when
// possible. It returns nil when the live-buffer cap is exhausted.
func (fl *FreeList) Get(ticks uint64) *Buffer {
	if b := fl.head; b != nil {
		fl.head = b.next
		fl.free--
		b.reset(ticks)
		return b
	}
	if fl.total >= fl.maxBuffers {
		return nil
	}
	fl.total++
	b := &Buffer{
		data:          make([]byte, 0, fl.bufferSize),
		CreationTicks: ticks,
		Thread:        fl.thread,
	}
	return b
}

// Put returns a drained buffer to the list. At most one buffer is kept warm;
// the rest are released to the garbage collector to bound idle memory.
func (fl *FreeList) Put(b *Buffer) {
	if fl.free >= 1 {
		fl.total--
		return
	}
	b.next = fl.head
	fl.head = b
	fl.free++
}

// LiveBytes estimates the memory held by buffers this list has handed out.
func (fl *FreeList) LiveBytes() uint64 {
	return uint64(fl.total) * uint64(fl.bufferSize)
}

// BufferSize returns the capacity of buffers created by this list.
func (fl *FreeList) BufferSize() int {
	return fl.bufferSize
}
