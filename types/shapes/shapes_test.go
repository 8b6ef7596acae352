// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, dtypes.Float32, s.DType)
	assert.Equal(t, []int{2, 3}, s.Dimensions)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, "(Float32)[2 3]", s.String())

	assert.Panics(t, func() { Make(dtypes.Float32, 2, 0) })
	assert.Panics(t, func() { Make(dtypes.Float32, -1) })
}

func TestScalarAndInvalid(t *testing.T) {
	s := Scalar[float64]()
	assert.True(t, s.IsScalar())
	assert.Equal(t, dtypes.Float64, s.DType)
	assert.Equal(t, 1, s.Size())

	assert.False(t, Invalid().Ok())
	assert.False(t, Shape{}.Ok())
}

func TestDim(t *testing.T) {
	s := Make(dtypes.Float32, 4, 8, 16)
	assert.Equal(t, 16, s.Dim(-1))
	assert.Equal(t, 4, s.Dim(0))
	assert.Equal(t, 8, s.Dim(-2))
	assert.Panics(t, func() { s.Dim(3) })
	assert.Panics(t, func() { s.Dim(-4) })
}

func TestEqual(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := Make(dtypes.Float32, 2, 3)
	c := Make(dtypes.Float64, 2, 3)
	d := Make(dtypes.Float32, 3, 2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.EqualDimensions(c))
	assert.False(t, a.Equal(d))
}

func TestClone(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := a.Clone()
	b.Dimensions[0] = 7
	assert.Equal(t, 2, a.Dimensions[0])
}

func TestStrides(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, s.Strides())
}

func TestAsserts(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	require.NoError(t, s.CheckDims(2, 3))
	require.NoError(t, s.CheckDims(-1, 3))
	require.Error(t, s.CheckDims(2))
	require.Error(t, s.CheckDims(2, 4))
	require.NoError(t, s.Check(dtypes.Float32, 2, 3))
	require.Error(t, s.Check(dtypes.Float64, 2, 3))

	assert.NotPanics(t, func() { s.AssertDims(2, UncheckedAxis) })
	assert.Panics(t, func() { s.AssertDims(3, 3) })
	assert.NotPanics(t, func() { s.AssertRank(2) })
	assert.Panics(t, func() { s.AssertRank(1) })
	assert.NotPanics(t, func() { AssertDims(s, 2, 3) })
	assert.NotPanics(t, func() { Assert(s, dtypes.Float32, 2, 3) })
	assert.Panics(t, func() { Assert(s, dtypes.Float16, 2, 3) })
}

func TestMemory(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, uintptr(24), s.Memory())

	h := Make(dtypes.Float16, 2, 3)
	assert.Equal(t, uintptr(12), h.Memory())
}
