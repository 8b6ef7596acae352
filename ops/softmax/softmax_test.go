// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package softmax

import (
	"math"
	"math/rand"
	"testing"

	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(rng *rand.Rand, dtype dtypes.DType, dimensions ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	values := make([]float64, size)
	for i := range values {
		values[i] = rng.Float64()*4 - 2
	}
	return tensors.FromFlatDataAndDimensions(values, dimensions...).ConvertTo(dtype)
}

// naiveSoftmax computes softmax over the last axis of a (rows, cols) view.
func naiveSoftmax(values []float64, cols int) []float64 {
	out := make([]float64, len(values))
	for base := 0; base < len(values); base += cols {
		rowMax := math.Inf(-1)
		for _, v := range values[base : base+cols] {
			rowMax = math.Max(rowMax, v)
		}
		sum := 0.0
		for j, v := range values[base : base+cols] {
			out[base+j] = math.Exp(v - rowMax)
			sum += out[base+j]
		}
		for j := range cols {
			out[base+j] /= sum
		}
	}
	return out
}

func TestForwardLastAxis(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64} {
		x := randTensor(rng, dtype, 3, 5, 7)
		y, err := Forward(x, -1)
		require.NoError(t, err)
		want := naiveSoftmax(x.Float64Values(), 7)
		assert.InDeltaSlice(t, want, y.Float64Values(), 1e-5)

		// Rows sum to one.
		values := y.Float64Values()
		for base := 0; base < len(values); base += 7 {
			sum := 0.0
			for _, v := range values[base : base+7] {
				sum += v
			}
			assert.InDelta(t, 1.0, sum, 1e-5)
		}
	}
}

// Softmax over an inner axis must agree with transposing, doing the last
// axis, and transposing back.
func TestForwardInnerAxis(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const rows, cols = 4, 6
	x := randTensor(rng, dtypes.Float64, rows, cols)
	y, err := Forward(x, 0)
	require.NoError(t, err)

	transposed := make([]float64, rows*cols)
	xValues := x.Float64Values()
	for i := range rows {
		for j := range cols {
			transposed[j*rows+i] = xValues[i*cols+j]
		}
	}
	wantT := naiveSoftmax(transposed, rows)
	yValues := y.Float64Values()
	for i := range rows {
		for j := range cols {
			assert.InDelta(t, wantT[j*rows+i], yValues[i*cols+j], 1e-10)
		}
	}
}

// Shifting every input by a constant must not change the output.
func TestForwardShiftInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randTensor(rng, dtypes.Float64, 2, 8)
	shifted := tensors.FromFlatDataAndDimensions(x.Float64Values(), 2, 8)
	tensors.MutableFlatData(shifted, func(flat []float64) {
		for i := range flat {
			flat[i] += 1000
		}
	})
	y1, err := Forward(x, -1)
	require.NoError(t, err)
	y2, err := Forward(shifted, -1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, y1.Float64Values(), y2.Float64Values(), 1e-10)
}

func TestBackwardFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const rows, cols = 3, 5
	const epsilon = 1e-6
	x := randTensor(rng, dtypes.Float64, rows, cols)
	gradY := randTensor(rng, dtypes.Float64, rows, cols)

	y, err := Forward(x, -1)
	require.NoError(t, err)
	gradX, err := Backward(y, gradY, -1)
	require.NoError(t, err)

	loss := func() float64 {
		out, err := Forward(x, -1)
		require.NoError(t, err)
		total := 0.0
		gValues := gradY.Float64Values()
		for i, v := range out.Float64Values() {
			total += v * gValues[i]
		}
		return total
	}
	gradValues := gradX.Float64Values()
	for probe := 0; probe < 6; probe++ {
		i := rng.Intn(rows * cols)
		var numeric float64
		tensors.MutableFlatData(x, func(flat []float64) {
			original := flat[i]
			flat[i] = original + epsilon
			plus := loss()
			flat[i] = original - epsilon
			minus := loss()
			flat[i] = original
			numeric = (plus - minus) / (2 * epsilon)
		})
		assert.InDelta(t, numeric, gradValues[i], 1e-6)
	}
}

func TestUnsupportedDTypeAndAxis(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := randTensor(rng, dtypes.Float16, 2, 4)
	_, err := Forward(x, -1)
	assert.ErrorIs(t, err, ops.ErrNotImplemented)

	x = randTensor(rng, dtypes.Float32, 2, 4)
	_, err = Forward(x, 2)
	assert.Error(t, err)
	_, err = Forward(x, -3)
	assert.Error(t, err)

	y, err := Forward(x, -1)
	require.NoError(t, err)
	_, err = Backward(y, randTensor(rng, dtypes.Float32, 2, 5), -1)
	assert.Error(t, err)
}
