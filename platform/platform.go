// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform is the narrow OS abstraction consumed by the capture core.
// Everything the core needs from the host environment (a monotonic tick
// source, stack capture, process identity) is expressed here so that tests
// can substitute deterministic doubles.
package platform // import "github.com/framecap/framecap/platform"

import (
	"os"
	"runtime"
	"time"
)

// Tag identifies the host platform in the connect handshake.
type Tag uint32

const (
	TagUnknown Tag = iota
	TagLinux
	TagDarwin
	TagWindows
)

// Clock is a monotonic tick source. Ticks are an opaque unit; Frequency
// reports how many ticks elapse per second so the sink can convert to
// wall-clock durations.
type Clock interface {
	// Ticks returns the current monotonic tick count.
	Ticks() uint64
	// Frequency returns the number of ticks per second.
	Frequency() uint64
}

// StackWalker captures the calling goroutine's stack as raw program counters.
type StackWalker interface {
	// Walk fills pcs with the program counters of the caller's stack,
	// skipping skip frames on top, and returns the number of frames stored.
	Walk(skip int, pcs []uintptr) int
}

// Shim bundles the platform services the capture core consumes.
type Shim struct {
	Clock Clock
	Stack StackWalker
	// PID of the instrumented process, sent in the connect handshake.
	PID uint64
	// Tag of the host platform.
	Tag Tag
}

// Default returns a Shim backed by the Go runtime.
func Default() Shim {
	return Shim{
		Clock: NewMonotonicClock(),
		Stack: runtimeWalker{},
		PID:   uint64(os.Getpid()),
		Tag:   hostTag(),
	}
}

func hostTag() Tag {
	switch runtime.GOOS {
	case "linux":
		return TagLinux
	case "darwin":
		return TagDarwin
	case "windows":
		return TagWindows
	}
	return TagUnknown
}

// MonotonicClock reports nanoseconds elapsed since its creation. The epoch is
// arbitrary; only the handshake frequency and per-event deltas matter.
type MonotonicClock struct {
	start time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

func (c *MonotonicClock) Ticks() uint64 {
	return uint64(time.Since(c.start))
}

// Frequency is fixed: time.Since resolves to nanoseconds.
func (*MonotonicClock) Frequency() uint64 {
	return uint64(time.Second)
}

type runtimeWalker struct{}

func (runtimeWalker) Walk(skip int, pcs []uintptr) int {
	// +2 hides Walk itself and runtime.Callers.
	return runtime.Callers(skip+2, pcs)
}
