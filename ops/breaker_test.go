// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestBreakerLatch(t *testing.T) {
	b := NewBreaker()
	assert.False(t, b.Tripped("memory_efficient"))
	assert.NoError(t, b.TripCause("memory_efficient"))

	cause := errors.Wrap(ErrKernelResourceExhausted, "scratch buffer too large")
	b.Trip("memory_efficient", cause)
	assert.True(t, b.Tripped("memory_efficient"))
	assert.ErrorIs(t, b.TripCause("memory_efficient"), ErrKernelResourceExhausted)

	// Independent per variant.
	assert.False(t, b.Tripped("block_sparse"))

	// Second trip keeps the original cause.
	b.Trip("memory_efficient", errors.New("other"))
	assert.ErrorIs(t, b.TripCause("memory_efficient"), ErrKernelResourceExhausted)

	b.Reset()
	assert.False(t, b.Tripped("memory_efficient"))
}

func TestBreakerConcurrentTrip(t *testing.T) {
	b := NewBreaker()
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if !b.Tripped("kernel") {
					b.Trip("kernel", ErrKernelResourceExhausted)
				}
			}
		}()
	}
	wg.Wait()
	assert.True(t, b.Tripped("kernel"))
}
