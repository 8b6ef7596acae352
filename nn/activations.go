// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/pkg/errors"
)

// Activation is an element-wise activation over a tensor, returning a new
// tensor of the same shape and dtype.
type Activation func(*tensors.Tensor) *tensors.Tensor

// applyElementwise maps fn over every element, computing in float64 and
// converting back to the input dtype.
func applyElementwise(t *tensors.Tensor, fn func(float64) float64) *tensors.Tensor {
	values := t.Float64Values()
	for i, v := range values {
		values[i] = fn(v)
	}
	out := tensors.FromFlatDataAndDimensions(values, t.Shape().Dimensions...)
	return out.ConvertTo(t.DType())
}

// ReLU is max(x, 0).
func ReLU(t *tensors.Tensor) *tensors.Tensor {
	return applyElementwise(t, func(x float64) float64 { return math.Max(x, 0) })
}

// SquaredReLU is relu(x)^2, from "Primer: Searching for Efficient
// Transformers for Language Modeling".
func SquaredReLU(t *tensors.Tensor) *tensors.Tensor {
	return applyElementwise(t, func(x float64) float64 {
		r := math.Max(x, 0)
		return r * r
	})
}

// GeLU is the exact Gaussian error linear unit, 0.5*x*(1+erf(x/sqrt(2))).
func GeLU(t *tensors.Tensor) *tensors.Tensor {
	return applyElementwise(t, geluScalar)
}

func geluScalar(x float64) float64 {
	return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
}

// SiLU is x*sigmoid(x), also known as swish.
func SiLU(t *tensors.Tensor) *tensors.Tensor {
	return applyElementwise(t, siluScalar)
}

func siluScalar(x float64) float64 {
	return x / (1 + math.Exp(-x))
}

// SmeLU returns the smooth ReLU with the given transition width: zero below
// -beta, identity above beta, and the quadratic (x+beta)^2/(4*beta) between.
// From "Real World Large Scale Recommendation Systems Reproducibility and
// Smooth Activations".
func SmeLU(beta float64) Activation {
	return func(t *tensors.Tensor) *tensors.Tensor {
		return applyElementwise(t, func(x float64) float64 {
			switch {
			case x <= -beta:
				return 0
			case x >= beta:
				return x
			default:
				return (x + beta) * (x + beta) / (4 * beta)
			}
		})
	}
}

// BuildActivation resolves an activation by name: "relu", "squared_relu",
// "gelu", "silu" or "smelu" (with beta = 2).
func BuildActivation(name string) (Activation, error) {
	switch name {
	case "relu":
		return ReLU, nil
	case "squared_relu":
		return SquaredReLU, nil
	case "gelu":
		return GeLU, nil
	case "silu":
		return SiLU, nil
	case "smelu":
		return SmeLU(2), nil
	default:
		return nil, errors.Errorf("nn: unknown activation %q", name)
	}
}
