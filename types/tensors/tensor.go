// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host-resident dense Tensor: a flat slice of
// values plus a shapes.Shape describing its rank, dimensions and dtype.
//
// Only floating-point dtypes are supported (Float64, Float32, Float16 and
// BFloat16): this library computes attention and feedforward kernels, all of
// which are float operations. Float16 uses github.com/x448/float16 and
// BFloat16 uses github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// A Tensor carries a Device tag. Host tensors always live on CPU; the tag
// exists so kernel capability descriptors can reason about device placement
// uniformly (see the ops package).
package tensors

import (
	"github.com/Tianxuandu/xform/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Device identifies where a tensor lives or where a kernel executes.
//
// This library only materializes tensors on CPU: CUDA exists so capability
// descriptors of (future or out-of-process) accelerator kernels can be
// registered and reasoned about by the dispatcher.
type Device int

const (
	// CPU is the host device. All tensors created by this package live here.
	CPU Device = iota

	// CUDA identifies Nvidia accelerator kernels in capability descriptors.
	CUDA
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return "unknown"
	}
}

// Tensor is a dense in-memory tensor value.
//
// It is a container of a flat slice of values ([]float32, []float64,
// []float16.Float16 or []bfloat16.BFloat16) in row-major order, along with
// its Shape. Create one with FromShape, FromFlatDataAndDimensions or
// FromScalarAndDimensions.
type Tensor struct {
	shape  shapes.Shape
	device Device

	// flat is one of []float32, []float64, []float16.Float16, []bfloat16.BFloat16.
	flat any
}

// FromShape returns a Tensor of the given shape, with the data initialized to zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	t := &Tensor{shape: shape.Clone(), device: CPU}
	size := shape.Size()
	switch shape.DType {
	case dtypes.Float64:
		t.flat = make([]float64, size)
	case dtypes.Float32:
		t.flat = make([]float32, size)
	case dtypes.Float16:
		t.flat = make([]float16.Float16, size)
	case dtypes.BFloat16:
		t.flat = make([]bfloat16.BFloat16, size)
	default:
		exceptions.Panicf("tensors.FromShape(%s): dtype %s not supported -- only Float64, Float32, Float16 and BFloat16",
			shape, shape.DType)
	}
	return t
}

// Shape of the Tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the Tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Device where the Tensor lives.
func (t *Tensor) Device() Device { return t.device }

// Rank of the Tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements of the Tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the Tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// IsScalar returns whether the Tensor holds a single value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	t2 := FromShape(t.shape)
	switch flat := t.flat.(type) {
	case []float64:
		copy(t2.flat.([]float64), flat)
	case []float32:
		copy(t2.flat.([]float32), flat)
	case []float16.Float16:
		copy(t2.flat.([]float16.Float16), flat)
	case []bfloat16.BFloat16:
		copy(t2.flat.([]bfloat16.BFloat16), flat)
	}
	return t2
}

// ConstFlatData calls accessFn with the flat data of the Tensor, which must
// not be modified. Prefer the generic free function ConstFlatData[T] when the
// dtype is known.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flat data of the Tensor, which may
// be modified in place.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	accessFn(t.flat)
}

// Equal returns whether the two tensors have identical shape, dtype and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	a, b := t.float64Values(), other.float64Values()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InDelta returns whether all elements of the two tensors differ by at most
// delta. Shapes must have the same dimensions; dtypes may differ.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.EqualDimensions(other.shape) {
		return false
	}
	a, b := t.float64Values(), other.float64Values()
	for i := range a {
		diff := a[i] - b[i]
		if diff < -delta || diff > delta {
			return false
		}
	}
	return true
}

// float64Values returns the tensor values widened to float64.
func (t *Tensor) float64Values() []float64 {
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float64:
		copy(out, flat)
	case []float32:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []float16.Float16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	case []bfloat16.BFloat16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	}
	return out
}

// String pretty-prints the tensor shape and, for small tensors, its values.
func (t *Tensor) String() string {
	if t.Size() <= 16 {
		return t.shape.String() + ": " + flatString(t.flat)
	}
	return t.shape.String()
}
