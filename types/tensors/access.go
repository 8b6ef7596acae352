// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"strings"

	"github.com/Tianxuandu/xform/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Float is the constraint of Go types that can be stored in a Tensor.
type Float interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions,
// initialized with the flat slice of values given, which must match the size
// of the shape. The data is copied.
func FromFlatDataAndDimensions[T Float](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(): shape %s needs %d values, %d given",
			shape, shape.Size(), len(data))
	}
	t := FromShape(shape)
	copy(t.flat.([]T), data)
	return t
}

// FromScalarAndDimensions creates a Tensor with the given dimensions, with
// every element set to value.
func FromScalarAndDimensions[T Float](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(shapes.Make(dtype, dimensions...))
	flat := t.flat.([]T)
	for i := range flat {
		flat[i] = value
	}
	return t
}

// ConstFlatData calls accessFn with the typed flat data of the Tensor.
// The slice must not be modified. It panics if T doesn't match the
// Tensor's dtype.
func ConstFlatData[T Float](t *Tensor, accessFn func(flat []T)) {
	accessFn(mustFlat[T](t))
}

// MutableFlatData calls accessFn with the typed flat data of the Tensor,
// which may be modified in place. It panics if T doesn't match the
// Tensor's dtype.
func MutableFlatData[T Float](t *Tensor, accessFn func(flat []T)) {
	accessFn(mustFlat[T](t))
}

// CopyFlatData returns a copy of the typed flat data of the Tensor.
// It panics if T doesn't match the Tensor's dtype.
func CopyFlatData[T Float](t *Tensor) []T {
	flat := mustFlat[T](t)
	out := make([]T, len(flat))
	copy(out, flat)
	return out
}

// AssignFlatData copies fromFlat into the Tensor, which must have matching
// size and dtype.
func AssignFlatData[T Float](toTensor *Tensor, fromFlat []T) {
	flat := mustFlat[T](toTensor)
	if len(flat) != len(fromFlat) {
		exceptions.Panicf("tensors.AssignFlatData(): tensor %s holds %d values, %d given",
			toTensor.shape, len(flat), len(fromFlat))
	}
	copy(flat, fromFlat)
}

func mustFlat[T Float](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("tensor %s accessed as %T", t.shape, v)
	}
	return flat
}

func flatString(flat any) string {
	var parts []string
	switch data := flat.(type) {
	case []float64:
		for _, v := range data {
			parts = append(parts, fmt.Sprintf("%g", v))
		}
	case []float32:
		for _, v := range data {
			parts = append(parts, fmt.Sprintf("%g", v))
		}
	case []float16.Float16:
		for _, v := range data {
			parts = append(parts, fmt.Sprintf("%g", v.Float32()))
		}
	case []bfloat16.BFloat16:
		for _, v := range data {
			parts = append(parts, fmt.Sprintf("%g", v.Float32()))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
