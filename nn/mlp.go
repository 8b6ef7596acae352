// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/ops/swiglu"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Linear applies x w^T + b; w is (out, in) and b, optional, is (out).
// Computation is float64, the result matches x's dtype.
func Linear(x, w, b *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 {
		return nil, errors.Errorf("nn.Linear: want rank-2 tensors, got x=%s w=%s", x.Shape(), w.Shape())
	}
	n, inDim := x.Shape().Dim(0), x.Shape().Dim(1)
	outDim := w.Shape().Dim(0)
	if w.Shape().Dim(1) != inDim {
		return nil, errors.Errorf("nn.Linear: x=%s incompatible with w=%s", x.Shape(), w.Shape())
	}
	xMat := mat.NewDense(n, inDim, x.Float64Values())
	wMat := mat.NewDense(outDim, inDim, w.Float64Values())
	output := make([]float64, n*outDim)
	out := mat.NewDense(n, outDim, output)
	out.Mul(xMat, wMat.T())
	if b != nil {
		if err := b.Shape().CheckDims(outDim); err != nil {
			return nil, errors.Wrap(err, "nn.Linear: bias")
		}
		bias := b.Float64Values()
		for row := range n {
			for j, bj := range bias {
				output[row*outDim+j] += bj
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(output, n, outDim).ConvertTo(x.DType()), nil
}

// MLP is the classic two-layer feed-forward block:
// w2' act(w1' x + b1) + b2, with optional deterministic dropout on the
// hidden activations.
type MLP struct {
	W1, B1 *tensors.Tensor // (hidden, in), (hidden).
	W2, B2 *tensors.Tensor // (out, hidden), (out).

	Activation Activation

	DropoutP float64
	Seed     uint64
}

// Forward applies the block to x (n, in).
func (m *MLP) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if m.Activation == nil {
		return nil, errors.New("nn: MLP needs an activation")
	}
	hidden, err := Linear(x, m.W1, m.B1)
	if err != nil {
		return nil, err
	}
	hidden = m.Activation(hidden)
	if m.DropoutP > 0 {
		hidden = dropout(hidden, m.DropoutP, m.Seed)
	}
	return Linear(hidden, m.W2, m.B2)
}

// dropout zeroes each element with probability p and rescales the survivors
// by 1/(1-p), with the mask derived deterministically from the seed.
func dropout(t *tensors.Tensor, p float64, seed uint64) *tensors.Tensor {
	values := t.Float64Values()
	keepScale := 1 / (1 - p)
	for i := range values {
		if ops.DropoutKeep(seed, i, p) {
			values[i] *= keepScale
		} else {
			values[i] = 0
		}
	}
	return tensors.FromFlatDataAndDimensions(values, t.Shape().Dimensions...).ConvertTo(t.DType())
}

// SwiGLU is the gated feed-forward block, dispatching to the fused kernel.
// The hidden width of the weights should come from swiglu.HiddenDim so the
// block's parameter count matches a plain MLP's.
type SwiGLU struct {
	W1, B1 *tensors.Tensor // Gate projection, (hidden, in), (hidden).
	W2, B2 *tensors.Tensor // Value projection, (hidden, in), (hidden).
	W3, B3 *tensors.Tensor // Output projection, (out, hidden), (out).
}

// Forward applies the block to x (n, in).
func (s *SwiGLU) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	output, _, err := swiglu.Functional(swiglu.Default(), swiglu.Inputs{
		X:  x,
		W1: s.W1, B1: s.B1,
		W2: s.W2, B2: s.B2,
		W3: s.W3, B3: s.B3,
	})
	return output, err
}
