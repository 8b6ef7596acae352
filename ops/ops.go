// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the kernel capability/dispatch core shared by the
// fused operators in ops/fmha, ops/swiglu and ops/softmax.
//
// The moving parts, in dependency order:
//
//   - Capability: static metadata describing what inputs one kernel variant
//     supports (devices, dtypes, feature-dimension ceiling, bias kinds,
//     dropout, custom scale) together with its per-dtype numeric tolerances.
//   - InputDescriptor: derived at call time from the actual tensors.
//   - Capability.Supports: pure predicate Capability x InputDescriptor -> bool,
//     never errors -- absence of support is a normal false.
//   - Registry: an explicitly constructed set of variants in fixed priority
//     order (most specialized first, dense fallback last). There is no global
//     import-time registry: callers build one (or use the operator package's
//     Default()) and pass it by reference, which keeps test isolation trivial.
//   - Select: the dispatch decision. An explicit variant request is verified
//     for support and fails fast when unsupported; otherwise the first
//     supporting variant in priority order wins.
//
// Process-wide state is limited to the kernel circuit Breaker: a fused kernel
// that fails once with ErrKernelResourceExhausted is disabled for the process
// lifetime and dispatch permanently falls back to the dense variant, so
// callers never pay for retrying a kernel that cannot run, and never get
// silently wrong numbers from one that half-ran.
package ops

import (
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// XFORM_VARIANT is the environment variable that forces a kernel variant by
// name for all dispatches that don't themselves request an explicit variant.
// Useful to pin the dense variant when debugging numeric issues.
const XFORM_VARIANT = "XFORM_VARIANT"

// XFORM_SCRATCH_LIMIT is the environment variable overriding the per-tile
// scratch-memory ceiling of fused kernels. It accepts humanized values like
// "16MiB" or plain byte counts.
const XFORM_SCRATCH_LIMIT = "XFORM_SCRATCH_LIMIT"

// DefaultScratchLimit is the default ceiling, in bytes, on the scratch buffer
// a fused kernel may allocate per tile. It stands in for the hardware
// resource limits (shared memory, register pressure) that bound fused GPU
// kernels: exceeding it is reported as ErrKernelResourceExhausted.
const DefaultScratchLimit = 16 << 20

var (
	muConfig      sync.Mutex
	forcedVariant string
	scratchLimit  uintptr = DefaultScratchLimit
	configOnce    sync.Once
)

func initConfigFromEnv() {
	if v, found := os.LookupEnv(XFORM_VARIANT); found {
		forcedVariant = v
	}
	if v, found := os.LookupEnv(XFORM_SCRATCH_LIMIT); found {
		limit, err := humanize.ParseBytes(v)
		if err != nil {
			klog.Warningf("invalid %s=%q (%v), keeping %s", XFORM_SCRATCH_LIMIT, v,
				err, humanize.IBytes(DefaultScratchLimit))
		} else {
			scratchLimit = uintptr(limit)
		}
	}
}

// ForcedVariant returns the variant name forced via XFORM_VARIANT or
// SetForcedVariant, or "" if dispatch is free to choose.
func ForcedVariant() string {
	configOnce.Do(initConfigFromEnv)
	muConfig.Lock()
	defer muConfig.Unlock()
	return forcedVariant
}

// SetForcedVariant forces the variant used by all dispatches that don't
// request an explicit one. Pass "" to restore free dispatch.
func SetForcedVariant(name string) {
	configOnce.Do(initConfigFromEnv)
	muConfig.Lock()
	defer muConfig.Unlock()
	forcedVariant = name
}

// ScratchLimit returns the per-tile scratch-memory ceiling, in bytes, that
// fused kernels must respect.
func ScratchLimit() uintptr {
	configOnce.Do(initConfigFromEnv)
	muConfig.Lock()
	defer muConfig.Unlock()
	return scratchLimit
}

// SetScratchLimit overrides the per-tile scratch-memory ceiling. Zero
// restores the default.
func SetScratchLimit(bytes uintptr) {
	configOnce.Do(initConfigFromEnv)
	muConfig.Lock()
	defer muConfig.Unlock()
	if bytes == 0 {
		bytes = DefaultScratchLimit
	}
	scratchLimit = bytes
}
