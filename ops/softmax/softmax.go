// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

// Package softmax implements a fused softmax kernel along an arbitrary axis,
// with the numerically stable three-pass algorithm (max, exp-sum, normalize).
package softmax

import (
	"math"

	"github.com/Tianxuandu/xform/internal/workerspool"
	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var pool = workerspool.New()

// axisLayout decomposes a shape around one axis: flat index =
// outer*(axisDim*inner) + d*inner + innerIdx.
type axisLayout struct {
	axisDim, inner, outer int
}

func layoutFor(t *tensors.Tensor, axis int) (axisLayout, error) {
	rank := t.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return axisLayout{}, errors.Errorf("softmax: axis %d out of range for rank %d", axis, rank)
	}
	layout := axisLayout{axisDim: t.Shape().Dim(axis), inner: 1, outer: 1}
	for a := axis + 1; a < rank; a++ {
		layout.inner *= t.Shape().Dim(a)
	}
	for a := range axis {
		layout.outer *= t.Shape().Dim(a)
	}
	return layout, nil
}

// Forward computes softmax over the given axis (negative axes count from the
// end). Only Float32 and Float64 are implemented.
func Forward(x *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	layout, err := layoutFor(x, axis)
	if err != nil {
		return nil, err
	}
	switch x.DType() {
	case dtypes.Float32:
		return forwardFlat[float32](x, layout), nil
	case dtypes.Float64:
		return forwardFlat[float64](x, layout), nil
	default:
		return nil, errors.Wrapf(ops.ErrNotImplemented, "softmax for dtype %s", x.DType())
	}
}

func forwardFlat[T float32 | float64](x *tensors.Tensor, layout axisLayout) *tensors.Tensor {
	output := tensors.FromShape(x.Shape().Clone())
	axisStride := layout.inner
	rowSpan := layout.axisDim * layout.inner

	tensors.ConstFlatData(x, func(in []T) {
		tensors.MutableFlatData(output, func(out []T) {
			pool.Parallelize(layout.outer*layout.inner, 16, func(start, end int) {
				for row := start; row < end; row++ {
					outer, inner := row/layout.inner, row%layout.inner
					base := outer*rowSpan + inner

					// Pass 1: running maximum for stability.
					maxValue := in[base]
					for d := 1; d < layout.axisDim; d++ {
						maxValue = max(maxValue, in[base+d*axisStride])
					}
					// Pass 2: exponentials and their sum.
					var sum T
					for d := range layout.axisDim {
						e := T(math.Exp(float64(in[base+d*axisStride] - maxValue)))
						out[base+d*axisStride] = e
						sum += e
					}
					// Pass 3: normalize.
					for d := range layout.axisDim {
						out[base+d*axisStride] /= sum
					}
				}
			})
		})
	})
	return output
}

// Backward computes the input gradient from the forward output y and the
// upstream gradient: dx = (dy - sum(dy*y)) * y, reduced over the axis.
func Backward(y, gradY *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	if !y.Shape().Equal(gradY.Shape()) {
		return nil, errors.Errorf("softmax: output shape %s != gradient shape %s",
			y.Shape(), gradY.Shape())
	}
	layout, err := layoutFor(y, axis)
	if err != nil {
		return nil, err
	}
	switch y.DType() {
	case dtypes.Float32:
		return backwardFlat[float32](y, gradY, layout), nil
	case dtypes.Float64:
		return backwardFlat[float64](y, gradY, layout), nil
	default:
		return nil, errors.Wrapf(ops.ErrNotImplemented, "softmax backward for dtype %s", y.DType())
	}
}

func backwardFlat[T float32 | float64](y, gradY *tensors.Tensor, layout axisLayout) *tensors.Tensor {
	output := tensors.FromShape(y.Shape().Clone())
	axisStride := layout.inner
	rowSpan := layout.axisDim * layout.inner

	tensors.ConstFlatData(y, func(yFlat []T) {
		tensors.ConstFlatData(gradY, func(dyFlat []T) {
			tensors.MutableFlatData(output, func(dxFlat []T) {
				pool.Parallelize(layout.outer*layout.inner, 16, func(start, end int) {
					for row := start; row < end; row++ {
						outer, inner := row/layout.inner, row%layout.inner
						base := outer*rowSpan + inner

						var dot T
						for d := range layout.axisDim {
							i := base + d*axisStride
							dot += dyFlat[i] * yFlat[i]
						}
						for d := range layout.axisDim {
							i := base + d*axisStride
							dxFlat[i] = (dyFlat[i] - dot) * yFlat[i]
						}
					}
				})
			})
		})
	})
	return output
}
