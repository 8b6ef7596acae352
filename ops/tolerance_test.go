// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"
	"testing"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToleranceCheck(t *testing.T) {
	ref := tensors.FromFlatDataAndDimensions([]float64{1, -2, 100}, 3)
	tol := Tolerance{Atol: 1e-3, Rtol: 1e-3}

	ok := tensors.FromFlatDataAndDimensions([]float32{1.0005, -2.001, 100.05}, 3)
	require.NoError(t, tol.Check(ok, ref))

	bad := tensors.FromFlatDataAndDimensions([]float32{1.0005, -2.01, 100.05}, 3)
	err := tol.Check(bad, ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out[1]")

	nan := tensors.FromFlatDataAndDimensions([]float32{1, float32(math.NaN()), 100}, 3)
	require.Error(t, tol.Check(nan, ref))

	mismatch := tensors.FromFlatDataAndDimensions([]float32{1, -2}, 2)
	require.Error(t, tol.Check(mismatch, ref))
}

func TestBackwardToleranceScalesWithProblemSize(t *testing.T) {
	small := BackwardTolerance(dtypes.Float32, 16, 16, 16)
	large := BackwardTolerance(dtypes.Float32, 16, 512, 128)
	assert.Greater(t, large.Atol, small.Atol,
		"tolerance must grow with key length x feature dimension")

	longQ := BackwardTolerance(dtypes.Float32, 1024, 16, 16)
	assert.Greater(t, longQ.Atol, small.Atol, "tolerance must grow with query length")

	// The concrete float32 law: base 2e-4 + 2e-6*K*Mkv*sqrt(Mq).
	got := BackwardTolerance(dtypes.Float32, 128, 128, 32)
	want := 2e-4 + 2e-6*32*128*math.Sqrt(128)
	assert.InDelta(t, want, got.Atol, 1e-12)
}

func TestBackwardToleranceReducedPrecision(t *testing.T) {
	f16Short := BackwardTolerance(dtypes.Float16, 128, 32, 32)
	f16Long := BackwardTolerance(dtypes.Float16, 512, 32, 32)
	assert.Greater(t, f16Long.Atol, f16Short.Atol)

	bf16 := BackwardTolerance(dtypes.BFloat16, 128, 128, 32)
	assert.Equal(t, 0.5, bf16.Atol)

	f64 := BackwardTolerance(dtypes.Float64, 128, 128, 32)
	f32 := BackwardTolerance(dtypes.Float32, 128, 128, 32)
	assert.Less(t, f64.Atol, f32.Atol, "wider formats get tighter tolerance")
}
