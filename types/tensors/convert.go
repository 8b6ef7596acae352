// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/Tianxuandu/xform/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// ConvertTo returns a new Tensor with the same dimensions and the values
// converted to the given dtype. Converting to a narrower dtype rounds values
// to the nearest representable one.
//
// It returns the receiver itself (not a copy) when the dtype already matches.
func (t *Tensor) ConvertTo(dtype dtypes.DType) *Tensor {
	if t.DType() == dtype {
		return t
	}
	values := t.float64Values()
	out := FromShape(shapes.Make(dtype, t.shape.Dimensions...))
	switch flat := out.flat.(type) {
	case []float64:
		copy(flat, values)
	case []float32:
		for i, v := range values {
			flat[i] = float32(v)
		}
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case []bfloat16.BFloat16:
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(float32(v))
		}
	}
	return out
}

// Float32Values returns the tensor values converted to float32, regardless of
// the storage dtype. Kernels that compute reduced-precision inputs with
// float32 accumulation use this as their load path.
func (t *Tensor) Float32Values() []float32 {
	out := make([]float32, t.Size())
	switch flat := t.flat.(type) {
	case []float64:
		for i, v := range flat {
			out[i] = float32(v)
		}
	case []float32:
		copy(out, flat)
	case []float16.Float16:
		for i, v := range flat {
			out[i] = v.Float32()
		}
	case []bfloat16.BFloat16:
		for i, v := range flat {
			out[i] = v.Float32()
		}
	}
	return out
}

// Float64Values returns the tensor values widened to float64.
func (t *Tensor) Float64Values() []float64 {
	return t.float64Values()
}

// FromFloat32Values creates a Tensor of the given shape (any supported dtype),
// storing the given float32 values rounded to the shape's dtype.
func FromFloat32Values(shape shapes.Shape, values []float32) *Tensor {
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.FromFloat32Values(): shape %s needs %d values, %d given",
			shape, shape.Size(), len(values))
	}
	t := FromShape(shape)
	switch flat := t.flat.(type) {
	case []float64:
		for i, v := range values {
			flat[i] = float64(v)
		}
	case []float32:
		copy(flat, values)
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
	case []bfloat16.BFloat16:
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(v)
		}
	}
	return t
}

// FromFloat64Values creates a Tensor of the given shape (any supported dtype),
// storing the given float64 values rounded to the shape's dtype.
func FromFloat64Values(shape shapes.Shape, values []float64) *Tensor {
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.FromFloat64Values(): shape %s needs %d values, %d given",
			shape, shape.Size(), len(values))
	}
	t := FromShape(shape)
	switch flat := t.flat.(type) {
	case []float64:
		copy(flat, values)
	case []float32:
		for i, v := range values {
			flat[i] = float32(v)
		}
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case []bfloat16.BFloat16:
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(float32(v))
		}
	}
	return t
}
