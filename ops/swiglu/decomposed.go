// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package swiglu

import (
	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"gonum.org/v1/gonum/mat"
)

// decomposedVariant is the reference-grade fallback: the block is computed
// as plain float64 matrix products, one step at a time.
type decomposedVariant struct {
	capability ops.Capability
}

func newDecomposed() *decomposedVariant {
	return &decomposedVariant{
		capability: ops.Capability{
			Name:      "decomposed",
			Devices:   map[tensors.Device]bool{tensors.CPU: true},
			DTypes:    map[dtypes.DType]bool{dtypes.Float32: true, dtypes.Float64: true},
			BiasKinds: map[ops.BiasKind]bool{ops.BiasNone: true},
			ForwardTolerance: map[dtypes.DType]ops.Tolerance{
				dtypes.Float32: {Atol: 2e-4, Rtol: 1e-4},
				dtypes.Float64: {Atol: 1e-8, Rtol: 1e-5},
			},
		},
	}
}

func (d *decomposedVariant) Name() string                { return d.capability.Name }
func (d *decomposedVariant) Capability() *ops.Capability { return &d.capability }

// project computes x w^T + b into a freshly allocated (n, rows(w)) matrix.
func project(x *mat.Dense, w, b *tensors.Tensor) *mat.Dense {
	n, _ := x.Dims()
	outDim := w.Shape().Dim(0)
	wMat := mat.NewDense(outDim, w.Shape().Dim(1), w.Float64Values())
	out := mat.NewDense(n, outDim, nil)
	out.Mul(x, wMat.T())
	if b != nil {
		bias := b.Float64Values()
		for row := range n {
			for j, bj := range bias {
				out.Set(row, j, out.At(row, j)+bj)
			}
		}
	}
	return out
}

func (d *decomposedVariant) Forward(inputs Inputs) (*tensors.Tensor, *Context, error) {
	n := inputs.X.Shape().Dim(0)
	inDim := inputs.X.Shape().Dim(-1)
	hidden := inputs.W1.Shape().Dim(0)
	outDim := inputs.W3.Shape().Dim(0)

	x := mat.NewDense(n, inDim, inputs.X.Float64Values())
	x1 := project(x, inputs.W1, inputs.B1)
	x2 := project(x, inputs.W2, inputs.B2)

	h := mat.NewDense(n, hidden, nil)
	for row := range n {
		for j := range hidden {
			h.Set(row, j, silu(x1.At(row, j))*x2.At(row, j))
		}
	}

	w3 := mat.NewDense(outDim, hidden, inputs.W3.Float64Values())
	output := make([]float64, n*outDim)
	out := mat.NewDense(n, outDim, output)
	out.Mul(h, w3.T())
	if inputs.B3 != nil {
		bias := inputs.B3.Float64Values()
		for row := range n {
			for j, bj := range bias {
				out.Set(row, j, out.At(row, j)+bj)
			}
		}
	}

	outTensor := tensors.FromFlatDataAndDimensions(output, n, outDim).ConvertTo(inputs.X.DType())
	ctx := &Context{variant: d.Name(), output: outTensor, x1: x1.RawMatrix().Data, x2: x2.RawMatrix().Data}
	return outTensor, ctx, nil
}

func (d *decomposedVariant) Backward(ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error) {
	if err := requireContext(ctx, d.Name()); err != nil {
		return nil, err
	}
	n := inputs.X.Shape().Dim(0)
	inDim := inputs.X.Shape().Dim(-1)
	hidden := inputs.W1.Shape().Dim(0)
	outDim := inputs.W3.Shape().Dim(0)
	dtype := inputs.X.DType()

	x := mat.NewDense(n, inDim, inputs.X.Float64Values())
	w1 := mat.NewDense(hidden, inDim, inputs.W1.Float64Values())
	w2 := mat.NewDense(hidden, inDim, inputs.W2.Float64Values())
	w3 := mat.NewDense(outDim, hidden, inputs.W3.Float64Values())
	dOut := mat.NewDense(n, outDim, gradOutput.Float64Values())
	x1 := mat.NewDense(n, hidden, ctx.x1)
	x2 := mat.NewDense(n, hidden, ctx.x2)

	h := mat.NewDense(n, hidden, nil)
	for row := range n {
		for j := range hidden {
			h.Set(row, j, silu(x1.At(row, j))*x2.At(row, j))
		}
	}

	// dW3 = dOut^T H, dH = dOut W3.
	dW3 := mat.NewDense(outDim, hidden, nil)
	dW3.Mul(dOut.T(), h)
	dH := mat.NewDense(n, hidden, nil)
	dH.Mul(dOut, w3)

	// Gate backward: dX1 = dH * x2 * silu'(x1), dX2 = dH * silu(x1).
	dX1 := mat.NewDense(n, hidden, nil)
	dX2 := mat.NewDense(n, hidden, nil)
	for row := range n {
		for j := range hidden {
			g := dH.At(row, j)
			dX1.Set(row, j, g*x2.At(row, j)*siluGrad(x1.At(row, j)))
			dX2.Set(row, j, g*silu(x1.At(row, j)))
		}
	}

	dW1 := mat.NewDense(hidden, inDim, nil)
	dW1.Mul(dX1.T(), x)
	dW2 := mat.NewDense(hidden, inDim, nil)
	dW2.Mul(dX2.T(), x)
	dX := mat.NewDense(n, inDim, nil)
	dX.Mul(dX1, w1)
	tmp := mat.NewDense(n, inDim, nil)
	tmp.Mul(dX2, w2)
	dX.Add(dX, tmp)

	grads := &Gradients{
		DX:  tensors.FromFlatDataAndDimensions(dX.RawMatrix().Data, n, inDim).ConvertTo(dtype),
		DW1: tensors.FromFlatDataAndDimensions(dW1.RawMatrix().Data, hidden, inDim).ConvertTo(dtype),
		DW2: tensors.FromFlatDataAndDimensions(dW2.RawMatrix().Data, hidden, inDim).ConvertTo(dtype),
		DW3: tensors.FromFlatDataAndDimensions(dW3.RawMatrix().Data, outDim, hidden).ConvertTo(dtype),
	}
	columnSum := func(m *mat.Dense, cols int) *tensors.Tensor {
		sums := make([]float64, cols)
		rows, _ := m.Dims()
		for row := range rows {
			for j := range cols {
				sums[j] += m.At(row, j)
			}
		}
		return tensors.FromFlatDataAndDimensions(sums, cols).ConvertTo(dtype)
	}
	if inputs.B1 != nil {
		grads.DB1 = columnSum(dX1, hidden)
	}
	if inputs.B2 != nil {
		grads.DB2 = columnSum(dX2, hidden)
	}
	if inputs.B3 != nil {
		grads.DB3 = columnSum(dOut, outDim)
	}
	return grads, nil
}
