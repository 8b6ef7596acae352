// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"sync"

	"k8s.io/klog/v2"
)

// Breaker is the kernel-failure circuit breaker: a latch that records, per
// variant, whether a fused kernel has ever failed with a resource-exhaustion
// error in this process.
//
// Policy is fail-once, disable-forever: once tripped for a variant, every
// subsequent dispatch skips that variant and lands on the dense fallback,
// instead of retrying a kernel that is known to exceed a hardware limit.
// The trip is logged once, and the triggering error is not re-raised to the
// caller.
//
// Tripped is read on every dispatch; Trip writes at most once per variant.
// Both are safe for concurrent use.
type Breaker struct {
	mu      sync.Mutex
	tripped map[string]error
}

// KernelBreaker is the process-wide breaker used by default registries.
var KernelBreaker = NewBreaker()

// NewBreaker returns a fresh, untripped Breaker.
func NewBreaker() *Breaker {
	return &Breaker{tripped: make(map[string]error)}
}

// Trip disables the named variant for the rest of the process lifetime.
// The first call per variant logs a warning; later calls are no-ops.
func (b *Breaker) Trip(variant string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, already := b.tripped[variant]; already {
		return
	}
	b.tripped[variant] = cause
	klog.Warningf("kernel %q disabled for the process lifetime after resource exhaustion: %v; "+
		"falling back to the dense reference kernel", variant, cause)
}

// Tripped returns whether the named variant has been disabled.
func (b *Breaker) Tripped(variant string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, found := b.tripped[variant]
	return found
}

// TripCause returns the error that tripped the breaker for the variant, or
// nil if it is not tripped.
func (b *Breaker) TripCause(variant string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped[variant]
}

// Reset re-enables all variants. Test-only: production code never resets a
// breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.tripped)
}
