// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitToStart(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	const numTasks = 16
	for range numTasks {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			now := running.Add(1)
			for {
				old := maxRunning.Load()
				if now <= old || maxRunning.CompareAndSwap(old, now) {
					break
				}
			}
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestDisabledRunsInline(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	require.False(t, pool.IsEnabled())

	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran, "disabled pool must run the task inline")
}

func TestStartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)

	release := make(chan struct{})
	done := make(chan struct{})
	require.True(t, pool.StartIfAvailable(func() {
		<-release
		close(done)
	}))
	// Pool is full now.
	assert.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	<-done
}

func TestParallelize(t *testing.T) {
	pool := New()

	var covered [100]atomic.Int32
	pool.Parallelize(100, 7, func(start, end int) {
		for i := start; i < end; i++ {
			covered[i].Add(1)
		}
	})
	for i := range covered {
		assert.Equal(t, int32(1), covered[i].Load(), "item %d", i)
	}

	// Empty range is a no-op.
	pool.Parallelize(0, 8, func(start, end int) { t.Fatal("must not be called") })
}
