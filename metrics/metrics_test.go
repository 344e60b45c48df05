// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAccumulates(t *testing.T) {
	before := Total(IDBytesSent)
	Add(IDBytesSent, 100)
	Add(IDBytesSent, 28)
	assert.Equal(t, before+128, Total(IDBytesSent))
}

func TestIncIsConcurrencySafe(t *testing.T) {
	before := Total(IDBuffersFlushed)
	var wg sync.WaitGroup
	for iter := 0; iter < 8; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for iter := 0; iter < 1000; iter++ {
				Inc(IDBuffersFlushed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, before+8000, Total(IDBuffersFlushed))
}
