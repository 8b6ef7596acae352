// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of worker goroutines used by
// the CPU kernels to parallelize independent work items -- typically across
// (batch x query-block) slices of an attention computation.
//
// The pool is a soft limit: the number of live goroutines may temporarily
// exceed MaxParallelism, but the number doing work at any moment stays close
// to it.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers with a soft cap on parallel work.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a new Pool of workers with the default parallelism
// (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool { return w.maxParallelism != 0 }

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool { return w.maxParallelism < 0 }

// MaxParallelism is the soft target for parallelism.
// 0 disables parallelism; negative means unlimited.
func (w *Pool) MaxParallelism() int { return w.maxParallelism }

// SetMaxParallelism sets maxParallelism.
//
// Only change the parallelism before any workers start running; changing it
// mid-execution is undefined.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available, then runs the task in
// its own goroutine.
//
// If parallelism is disabled, it runs the task inline and returns when it's
// finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine runs task keeping tabs on w.numRunning.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// StartIfAvailable runs the task in a separate goroutine if there are workers
// left. It returns false if the pool was full and the task was not started.
//
// It's up to the client to synchronize the end of the task execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// Parallelize splits the half-open range [0, numItems) into chunks of at
// least minItemsPerTask and runs task on each chunk through the pool,
// returning after all chunks complete.
//
// If parallelism is disabled or the range is smaller than minItemsPerTask,
// the whole range runs inline in the calling goroutine.
func (w *Pool) Parallelize(numItems, minItemsPerTask int, task func(start, end int)) {
	if numItems <= 0 {
		return
	}
	if minItemsPerTask < 1 {
		minItemsPerTask = 1
	}
	if !w.IsEnabled() || numItems <= minItemsPerTask {
		task(0, numItems)
		return
	}
	// Chunks are sized for a few tasks per worker, so chunks stay large
	// even when minItemsPerTask is 1.
	chunkSize := minItemsPerTask
	if p := w.MaxParallelism(); p > 0 {
		if perWorker := (numItems + 4*p - 1) / (4 * p); perWorker > chunkSize {
			chunkSize = perWorker
		}
	}
	var wg sync.WaitGroup
	for start := 0; start < numItems; start += chunkSize {
		end := min(start+chunkSize, numItems)
		wg.Add(1)
		w.WaitToStart(func() {
			defer wg.Done()
			task(start, end)
		})
	}
	wg.Wait()
}
