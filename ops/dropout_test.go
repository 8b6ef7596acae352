// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestDropoutDeterminism(t *testing.T) {
	const seed, size, p = 42, 4096, 0.3
	a := DropoutMask(seed, size, p)
	b := DropoutMask(seed, size, p)
	assert.Equal(t, a, b, "same seed must reproduce a bit-identical mask")

	c := DropoutMask(seed+1, size, p)
	assert.NotEqual(t, a, c, "different seeds must give different masks")
}

func TestDropoutRandomAccessMatchesMask(t *testing.T) {
	// Per-element regeneration (what tiled kernels do) must agree with the
	// materialized mask, regardless of traversal order.
	const seed, size, p = 7, 1024, 0.5
	mask := DropoutMask(seed, size, p)
	for i := size - 1; i >= 0; i-- {
		require.Equal(t, mask[i], DropoutKeep(seed, i, p), "index %d", i)
	}
}

func TestDropoutUniformRange(t *testing.T) {
	for i := range 10000 {
		u := DropoutUniform(123, i)
		require.GreaterOrEqual(t, u, 0.0)
		require.Less(t, u, 1.0)
	}
}

// binomTest returns the two-sided binomial-test p-value of observing
// successes out of n trials with success probability p, doubling the
// smaller tail.
func binomTest(successes, n int, p float64) float64 {
	dist := distuv.Binomial{N: float64(n), P: p}
	x := float64(successes)
	var pval float64
	if x < dist.N*dist.P {
		pval = 2 * dist.CDF(x)
	} else {
		pval = 2 * dist.Survival(x-1)
	}
	return min(pval, 1)
}

func TestDropoutKeepRateStatistics(t *testing.T) {
	// The empirical keep-rate must be statistically consistent with 1-p.
	const pValTol = 1e-4
	for _, p := range []float64{0.3, 0.7} {
		for _, seed := range []uint64{42, 124} {
			const numTrials = 64
			const size = 33 * 32
			keeps := 0
			for trial := range numTrials {
				mask := DropoutMask(seed+uint64(trial)*1000, size, p)
				for _, keep := range mask {
					if keep {
						keeps++
					}
				}
			}
			pValue := binomTest(keeps, numTrials*size, 1-p)
			assert.Greater(t, pValue, pValTol, "p=%g seed=%d keep-rate inconsistent", p, seed)
		}
	}
}

func TestDropoutMaskRejectsInvalidP(t *testing.T) {
	assert.Panics(t, func() { DropoutMask(1, 10, 1.0) })
	assert.Panics(t, func() { DropoutMask(1, 10, -0.1) })
}
