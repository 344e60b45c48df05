// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync wraps locking primitives so that the data a lock protects is
// only reachable through the lock itself. The capture core leans on narrow,
// clearly-scoped locks; these wrappers make the scope explicit in the type.
package xsync // import "github.com/framecap/framecap/xsync"

import "sync"

// RWMutex hides the guarded value behind RLock/WLock accessors. Forgetting to
// take the lock does not compile; forgetting to unlock nils the caller's
// pointer in tests the moment another accessor runs.
type RWMutex[T any] struct {
	guarded T
	mu      sync.RWMutex
}

// NewRWMutex creates an RWMutex guarding the given value.
func NewRWMutex[T any](guarded T) RWMutex[T] {
	return RWMutex[T]{guarded: guarded}
}

// RLock takes the read lock and returns the guarded value.
func (m *RWMutex[T]) RLock() *T {
	m.mu.RLock()
	return &m.guarded
}

// RUnlock releases the read lock and invalidates the caller's reference.
func (m *RWMutex[T]) RUnlock(ref **T) {
	*ref = nil
	m.mu.RUnlock()
}

// WLock takes the write lock and returns the guarded value.
func (m *RWMutex[T]) WLock() *T {
	m.mu.Lock()
	return &m.guarded
}

// WUnlock releases the write lock and invalidates the caller's reference.
func (m *RWMutex[T]) WUnlock(ref **T) {
	*ref = nil
	m.mu.Unlock()
}
