// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/exceptions"
)

// Deterministic dropout.
//
// Dropout masks are generated by a pinned, counter-based pseudorandom
// function: SplitMix64 applied to (seed, flat element index). The algorithm
// is fully specified by the constants below and uses only 64-bit integer
// arithmetic, so two calls with the same seed produce bit-identical masks on
// any hardware -- and, because every element is addressed independently by
// its index, tiled kernels regenerate the identical mask regardless of their
// traversal order. The seed is caller-supplied state, threaded explicitly;
// nothing here touches ambient global randomness.

const (
	splitmix64Gamma = 0x9E3779B97F4A7C15
	splitmix64Mul1  = 0xBF58476D1CE4E5B9
	splitmix64Mul2  = 0x94D049BB133111EB
)

// splitmix64 is the finalizer of Steele et al.'s SplitMix64 generator,
// used here as a hash of the counter value.
func splitmix64(x uint64) uint64 {
	x ^= x >> 30
	x *= splitmix64Mul1
	x ^= x >> 27
	x *= splitmix64Mul2
	x ^= x >> 31
	return x
}

// DropoutUniform returns a uniform value in [0, 1) for the given seed and
// element index, using the pinned SplitMix64 counter scheme.
func DropoutUniform(seed uint64, index int) float64 {
	x := seed + (uint64(index)+1)*splitmix64Gamma
	// 53-bit mantissa trick: the top 53 bits scaled by 2^-53.
	return float64(splitmix64(x)>>11) * 0x1p-53
}

// DropoutKeep returns whether the element at the flat index survives dropout
// with probability p of being dropped, for the given seed.
func DropoutKeep(seed uint64, index int, p float64) bool {
	return DropoutUniform(seed, index) >= p
}

// DropoutMask materializes the keep mask for size elements. Exposed for the
// dense kernels and the reference oracle; tiled kernels call DropoutKeep per
// element instead of materializing anything.
func DropoutMask(seed uint64, size int, p float64) []bool {
	if p < 0 || p >= 1 {
		exceptions.Panicf("ops.DropoutMask: dropout probability must be in [0, 1), got %g", p)
	}
	mask := make([]bool, size)
	for i := range mask {
		mask[i] = DropoutKeep(seed, i, p)
	}
	return mask
}
