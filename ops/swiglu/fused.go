// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package swiglu

import (
	"github.com/Tianxuandu/xform/internal/workerspool"
	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// fusedVariant computes both projections, the silu gate and the output
// projection of one row in a single pass over the hidden dimension, never
// materializing the gated activations.
type fusedVariant struct {
	capability ops.Capability
	pool       *workerspool.Pool
}

func newFused() *fusedVariant {
	return &fusedVariant{
		capability: ops.Capability{
			Name:      "fused",
			Devices:   map[tensors.Device]bool{tensors.CPU: true},
			DTypes:    map[dtypes.DType]bool{dtypes.Float32: true},
			BiasKinds: map[ops.BiasKind]bool{ops.BiasNone: true},
			ForwardTolerance: map[dtypes.DType]ops.Tolerance{
				dtypes.Float32: {Atol: 2e-4, Rtol: 1e-4},
			},
		},
		pool: workerspool.New(),
	}
}

func (f *fusedVariant) Name() string                { return f.capability.Name }
func (f *fusedVariant) Capability() *ops.Capability { return &f.capability }

func (f *fusedVariant) Forward(inputs Inputs) (*tensors.Tensor, *Context, error) {
	n := inputs.X.Shape().Dim(0)
	inDim := inputs.X.Shape().Dim(-1)
	hidden := inputs.W1.Shape().Dim(0)
	outDim := inputs.W3.Shape().Dim(0)

	x := inputs.X.Float32Values()
	w1, b1 := weightValues(inputs.W1, inputs.B1)
	w2, b2 := weightValues(inputs.W2, inputs.B2)
	w3, b3 := weightValues(inputs.W3, inputs.B3)

	output := make([]float32, n*outDim)
	x1 := make([]float64, n*hidden)
	x2 := make([]float64, n*hidden)

	f.pool.Parallelize(n, 1, func(start, end int) {
		for row := start; row < end; row++ {
			xRow := x[row*inDim : (row+1)*inDim]
			out := output[row*outDim : (row+1)*outDim]
			if b3 != nil {
				copy(out, b3)
			}
			for j := range hidden {
				w1Row := w1[j*inDim : (j+1)*inDim]
				w2Row := w2[j*inDim : (j+1)*inDim]
				var gate, value float32
				for c, xc := range xRow {
					gate += xc * w1Row[c]
					value += xc * w2Row[c]
				}
				if b1 != nil {
					gate += b1[j]
				}
				if b2 != nil {
					value += b2[j]
				}
				x1[row*hidden+j] = float64(gate)
				x2[row*hidden+j] = float64(value)
				h := float32(silu(float64(gate))) * value
				for o := range out {
					out[o] += h * w3[o*hidden+j]
				}
			}
		}
	})

	outTensor := tensors.FromFlatDataAndDimensions(output, n, outDim)
	ctx := &Context{variant: f.Name(), output: outTensor, x1: x1, x2: x2}
	return outTensor, ctx, nil
}

func (f *fusedVariant) Backward(ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error) {
	if err := requireContext(ctx, f.Name()); err != nil {
		return nil, err
	}
	n := inputs.X.Shape().Dim(0)
	inDim := inputs.X.Shape().Dim(-1)
	hidden := inputs.W1.Shape().Dim(0)
	outDim := inputs.W3.Shape().Dim(0)

	x := inputs.X.Float32Values()
	w1, _ := weightValues(inputs.W1, nil)
	w2, _ := weightValues(inputs.W2, nil)
	w3, _ := weightValues(inputs.W3, nil)
	gradOut := gradOutput.Float32Values()

	dX := make([]float32, n*inDim)
	dX1 := make([]float32, n*hidden)
	dX2 := make([]float32, n*hidden)
	dW3 := make([]float32, outDim*hidden)
	var dB3 []float32
	if inputs.B3 != nil {
		dB3 = make([]float32, outDim)
	}

	// Phase one, parallel over rows: the gate backward. The silu gradient
	// and the hidden activations come from the context's pre-activations.
	f.pool.Parallelize(n, 1, func(start, end int) {
		for row := start; row < end; row++ {
			dOut := gradOut[row*outDim : (row+1)*outDim]
			dxRow := dX[row*inDim : (row+1)*inDim]
			for j := range hidden {
				gate := ctx.x1[row*hidden+j]
				value := ctx.x2[row*hidden+j]
				var dH float32
				for o, g := range dOut {
					dH += g * w3[o*hidden+j]
				}
				dx1 := dH * float32(value*siluGrad(gate))
				dx2 := dH * float32(silu(gate))
				dX1[row*hidden+j] = dx1
				dX2[row*hidden+j] = dx2
				w1Row := w1[j*inDim : (j+1)*inDim]
				w2Row := w2[j*inDim : (j+1)*inDim]
				for c := range dxRow {
					dxRow[c] += dx1*w1Row[c] + dx2*w2Row[c]
				}
			}
		}
	})

	// Phase two, parallel over output units: dW3 = dOut^T H.
	f.pool.Parallelize(outDim, 1, func(start, end int) {
		for o := start; o < end; o++ {
			for row := range n {
				g := gradOut[row*outDim+o]
				if dB3 != nil {
					dB3[o] += g
				}
				for j := range hidden {
					h := float32(silu(ctx.x1[row*hidden+j]) * ctx.x2[row*hidden+j])
					dW3[o*hidden+j] += g * h
				}
			}
		}
	})

	// Phase three, parallel over hidden units: projection weight gradients.
	dW1 := make([]float32, hidden*inDim)
	dW2 := make([]float32, hidden*inDim)
	var dB1, dB2 []float32
	if inputs.B1 != nil {
		dB1 = make([]float32, hidden)
	}
	if inputs.B2 != nil {
		dB2 = make([]float32, hidden)
	}
	f.pool.Parallelize(hidden, 1, func(start, end int) {
		for j := start; j < end; j++ {
			for row := range n {
				dx1 := dX1[row*hidden+j]
				dx2 := dX2[row*hidden+j]
				if dB1 != nil {
					dB1[j] += dx1
				}
				if dB2 != nil {
					dB2[j] += dx2
				}
				xRow := x[row*inDim : (row+1)*inDim]
				for c, xc := range xRow {
					dW1[j*inDim+c] += dx1 * xc
					dW2[j*inDim+c] += dx2 * xc
				}
			}
		}
	})

	grads := &Gradients{
		DX:  tensors.FromFlatDataAndDimensions(dX, n, inDim),
		DW1: tensors.FromFlatDataAndDimensions(dW1, hidden, inDim),
		DW2: tensors.FromFlatDataAndDimensions(dW2, hidden, inDim),
		DW3: tensors.FromFlatDataAndDimensions(dW3, outDim, hidden),
	}
	if dB1 != nil {
		grads.DB1 = tensors.FromFlatDataAndDimensions(dB1, hidden)
	}
	if dB2 != nil {
		grads.DB2 = tensors.FromFlatDataAndDimensions(dB2, hidden)
	}
	if dB3 != nil {
		grads.DB3 = tensors.FromFlatDataAndDimensions(dB3, outDim)
	}
	return grads, nil
}

// weightValues widens a weight and its optional bias to float32 slices.
func weightValues(weight, bias *tensors.Tensor) (w, b []float32) {
	w = weight.Float32Values()
	if bias != nil {
		b = bias.Float32Values()
	}
	return
}
