// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/Tianxuandu/xform/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, CPU, tensor.Device())
	assert.Equal(t, 6, tensor.Size())
	ConstFlatData[float32](tensor, func(flat []float32) {
		for _, v := range flat {
			assert.Zero(t, v)
		}
	})

	// Only float dtypes are supported.
	assert.Panics(t, func() { FromShape(shapes.Make(dtypes.Int32, 2)) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, CopyFlatData[float32](tensor))

	assert.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 2, 3) })
}

func TestMutableFlatData(t *testing.T) {
	tensor := FromScalarAndDimensions[float64](1.5, 2, 2)
	MutableFlatData[float64](tensor, func(flat []float64) {
		flat[0] = -1
	})
	assert.Equal(t, []float64{-1, 1.5, 1.5, 1.5}, CopyFlatData[float64](tensor))

	// Wrong generic dtype panics.
	assert.Panics(t, func() { ConstFlatData[float32](tensor, func([]float32) {}) })
}

func TestCloneIsDeep(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	b := a.Clone()
	MutableFlatData[float32](b, func(flat []float32) { flat[0] = 100 })
	assert.Equal(t, []float32{1, 2, 3}, CopyFlatData[float32](a))
	assert.Equal(t, []float32{100, 2, 3}, CopyFlatData[float32](b))
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	b := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	c := FromFlatDataAndDimensions([]float32{1, 2, 3.0001}, 3)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.InDelta(c, 1e-3))
	assert.False(t, a.InDelta(c, 1e-6))

	// InDelta compares dimensions, not dtypes.
	d := FromFlatDataAndDimensions([]float64{1, 2, 3}, 3)
	assert.True(t, a.InDelta(d, 1e-6))
}

func TestConvertTo(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, -2.5, 1024}, 3)

	f64 := a.ConvertTo(dtypes.Float64)
	assert.Equal(t, dtypes.Float64, f64.DType())
	assert.Equal(t, []float64{1, -2.5, 1024}, CopyFlatData[float64](f64))

	f16 := a.ConvertTo(dtypes.Float16)
	assert.Equal(t, dtypes.Float16, f16.DType())
	assert.True(t, a.InDelta(f16, 1e-2))

	bf16 := a.ConvertTo(dtypes.BFloat16)
	assert.Equal(t, dtypes.BFloat16, bf16.DType())
	assert.True(t, a.InDelta(bf16, 8)) // bfloat16 has ~3 decimal digits.

	// Same dtype returns the receiver.
	assert.Same(t, a, a.ConvertTo(dtypes.Float32))
}

func TestFloat32Values(t *testing.T) {
	a := FromFlatDataAndDimensions([]float64{0.5, -1}, 2)
	assert.Equal(t, []float32{0.5, -1}, a.Float32Values())

	f16 := a.ConvertTo(dtypes.Float16)
	assert.Equal(t, []float32{0.5, -1}, f16.Float32Values())
}

func TestFromFloatValues(t *testing.T) {
	shape := shapes.Make(dtypes.BFloat16, 2)
	tensor := FromFloat32Values(shape, []float32{1, 2})
	assert.Equal(t, dtypes.BFloat16, tensor.DType())
	assert.Equal(t, []float32{1, 2}, tensor.Float32Values())

	require.Panics(t, func() { FromFloat32Values(shape, []float32{1}) })

	t64 := FromFloat64Values(shapes.Make(dtypes.Float32, 2), []float64{3, 4})
	assert.Equal(t, []float32{3, 4}, CopyFlatData[float32](t64))
}
