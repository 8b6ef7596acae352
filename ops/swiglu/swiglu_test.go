// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package swiglu

import (
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
		values[i] = rng.Float64()*2 - 1
	}
	return tensors.FromFlatDataAndDimensions(values, dimensions...).ConvertTo(dtype)
}

func randInputs(rng *rand.Rand, dtype dtypes.DType, n, inDim, hidden, outDim int, withBias bool) Inputs {
	inputs := Inputs{
		X:  randTensor(rng, dtype, n, inDim),
		W1: randTensor(rng, dtype, hidden, inDim),
		W2: randTensor(rng, dtype, hidden, inDim),
		W3: randTensor(rng, dtype, outDim, hidden),
	}
	if withBias {
		inputs.B1 = randTensor(rng, dtype, hidden)
		inputs.B2 = randTensor(rng, dtype, hidden)
		inputs.B3 = randTensor(rng, dtype, outDim)
	}
	return inputs
}

func TestHiddenDim(t *testing.T) {
	assert.Equal(t, 2048, HiddenDim(3072, 256))
	assert.Equal(t, 6, HiddenDim(10, 1))
	assert.Equal(t, 8, HiddenDim(10, 8))
	assert.Equal(t, 2, HiddenDim(4, 0))
}

func TestFusedMatchesDecomposed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n, inDim, hidden, outDim = 16, 24, 32, 20
	for _, withBias := range []bool{true, false} {
		inputs := randInputs(rng, dtypes.Float32, n, inDim, hidden, outDim, withBias)
		registry := NewRegistryWithBreaker(ops.NewBreaker())

		inputs.Variant = "fused"
		fusedOut, fusedCtx, err := Functional(registry, inputs)
		require.NoError(t, err)
		inputs.Variant = "decomposed"
		refOut, refCtx, err := Functional(registry, inputs)
		require.NoError(t, err)

		tolerance := ops.Tolerance{Atol: 2e-4, Rtol: 1e-4}
		require.NoError(t, tolerance.Check(fusedOut, refOut))

		gradOutput := randTensor(rng, dtypes.Float32, n, outDim)
		inputs.Variant = "fused"
		fusedGrads, err := Backward(registry, fusedCtx, inputs, gradOutput)
		require.NoError(t, err)
		inputs.Variant = "decomposed"
		refGrads, err := Backward(registry, refCtx, inputs, gradOutput)
		require.NoError(t, err)

		backTolerance := ops.BackwardTolerance(dtypes.Float32, n, hidden, inDim)
		assert.NoError(t, backTolerance.Check(fusedGrads.DX, refGrads.DX), "dX")
		assert.NoError(t, backTolerance.Check(fusedGrads.DW1, refGrads.DW1), "dW1")
		assert.NoError(t, backTolerance.Check(fusedGrads.DW2, refGrads.DW2), "dW2")
		assert.NoError(t, backTolerance.Check(fusedGrads.DW3, refGrads.DW3), "dW3")
		if withBias {
			assert.NoError(t, backTolerance.Check(fusedGrads.DB1, refGrads.DB1), "dB1")
			assert.NoError(t, backTolerance.Check(fusedGrads.DB2, refGrads.DB2), "dB2")
			assert.NoError(t, backTolerance.Check(fusedGrads.DB3, refGrads.DB3), "dB3")
		} else {
			assert.Nil(t, fusedGrads.DB1)
			assert.Nil(t, fusedGrads.DB2)
			assert.Nil(t, fusedGrads.DB3)
		}
	}
}

// Central finite differences against the analytic gradients of the
// decomposed float64 variant: the loss is sum(output * probe) for a fixed
// random probe.
func TestDecomposedGradientsFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const n, inDim, hidden, outDim = 4, 6, 8, 5
	const epsilon = 1e-6
	inputs := randInputs(rng, dtypes.Float64, n, inDim, hidden, outDim, true)
	inputs.Variant = "decomposed"
	registry := NewRegistryWithBreaker(ops.NewBreaker())
	probe := randTensor(rng, dtypes.Float64, n, outDim)

	loss := func() float64 {
		output, _, err := Functional(registry, inputs)
		require.NoError(t, err)
		total := 0.0
		probeValues := probe.Float64Values()
		for i, v := range output.Float64Values() {
			total += v * probeValues[i]
		}
		return total
	}

	_, ctx, err := Functional(registry, inputs)
	require.NoError(t, err)
	grads, err := Backward(registry, ctx, inputs, probe)
	require.NoError(t, err)

	check := func(name string, param, grad *tensors.Tensor) {
		gradValues := grad.Float64Values()
		// Probe a handful of coordinates.
		for probeIdx := 0; probeIdx < 5; probeIdx++ {
			i := rng.Intn(param.Size())
			var numeric float64
			tensors.MutableFlatData(param, func(flat []float64) {
				original := flat[i]
				flat[i] = original + epsilon
				plus := loss()
				flat[i] = original - epsilon
				minus := loss()
				flat[i] = original
				numeric = (plus - minus) / (2 * epsilon)
			})
			assert.InDelta(t, numeric, gradValues[i], 1e-5, "%s[%d]", name, i)
		}
	}
	check("dX", inputs.X, grads.DX)
	check("dW1", inputs.W1, grads.DW1)
	check("dW2", inputs.W2, grads.DW2)
	check("dW3", inputs.W3, grads.DW3)
	check("dB1", inputs.B1, grads.DB1)
	check("dB3", inputs.B3, grads.DB3)
}

func TestDispatcherPicksFusedForF32(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	registry := NewRegistryWithBreaker(ops.NewBreaker())

	inputs := randInputs(rng, dtypes.Float32, 4, 8, 8, 8, false)
	_, ctx, err := Functional(registry, inputs)
	require.NoError(t, err)
	assert.Equal(t, "fused", ctx.Variant())

	inputs = randInputs(rng, dtypes.Float64, 4, 8, 8, 8, false)
	_, ctx, err = Functional(registry, inputs)
	require.NoError(t, err)
	assert.Equal(t, "decomposed", ctx.Variant())

	inputs.Variant = "fused" // F64 on the fused kernel is refused.
	_, _, err = Functional(registry, inputs)
	var unsupported *ops.UnsupportedError
	assert.ErrorAs(t, err, &unsupported)
}

func TestContextMismatchIsRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	registry := NewRegistryWithBreaker(ops.NewBreaker())
	inputs := randInputs(rng, dtypes.Float32, 4, 8, 8, 8, false)
	inputs.Variant = "decomposed"
	_, ctx, err := Functional(registry, inputs)
	require.NoError(t, err)

	fused, found := registry.Get("fused")
	require.True(t, found)
	_, err = fused.Backward(ctx, inputs, randTensor(rng, dtypes.Float32, 4, 8))
	var mismatch *ops.ContextMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "decomposed", mismatch.ContextVariant)
}

func TestValidateRejectsBadInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	good := randInputs(rng, dtypes.Float32, 4, 6, 8, 5, true)
	require.NoError(t, good.Validate())

	bad := good
	bad.W2 = randTensor(rng, dtypes.Float32, 9, 6) // Hidden mismatch with w1.
	assert.Error(t, bad.Validate())

	bad = good
	bad.W3 = randTensor(rng, dtypes.Float32, 5, 9) // Hidden mismatch.
	assert.Error(t, bad.Validate())

	bad = good
	bad.B1 = randTensor(rng, dtypes.Float32, 9)
	assert.Error(t, bad.Validate())

	bad = good
	bad.W1 = bad.W1.ConvertTo(dtypes.Float64)
	assert.Error(t, bad.Validate())

	bad = good
	bad.X = nil
	assert.Error(t, bad.Validate())
}
