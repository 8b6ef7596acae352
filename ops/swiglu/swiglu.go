// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

// Package swiglu implements the SwiGLU feed-forward block as a dispatched
// kernel: out = W3' silu(W1 x + b1) * (W2 x + b2) + b3, with the silu
// gating fused into a single pass in the fast variant.
//
// Weights follow the (out_features, in_features) row-major convention, so a
// layer computes x W^T + b.
package swiglu

import (
	"math"
	"sync"

	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/pkg/errors"
)

// Inputs of one SwiGLU call. X is (n, in); W1 and W2 are (hidden, in) with
// biases (hidden); W3 is (out, hidden) with bias (out). Biases may be nil.
type Inputs struct {
	X      *tensors.Tensor
	W1, B1 *tensors.Tensor
	W2, B2 *tensors.Tensor
	W3, B3 *tensors.Tensor

	// Variant, when non-empty, requests an explicit kernel by name.
	Variant string
}

// Descriptor derives the dispatch descriptor: the batch is the row count and
// the feature dimension is the input width.
func (in Inputs) Descriptor() ops.InputDescriptor {
	return ops.InputDescriptor{
		Device:     in.X.Device(),
		DType:      in.X.DType(),
		Batch:      in.X.Shape().Dim(0),
		FeatureDim: in.X.Shape().Dim(-1),
	}
}

// Validate checks shapes and dtypes; kernels assume it passed.
func (in Inputs) Validate() error {
	for name, t := range map[string]*tensors.Tensor{"x": in.X, "w1": in.W1, "w2": in.W2, "w3": in.W3} {
		if t == nil {
			return errors.Errorf("swiglu: %s tensor is nil", name)
		}
		if err := t.Shape().CheckRank(2); err != nil {
			return errors.Wrapf(err, "swiglu: %s", name)
		}
		if t.DType() != in.X.DType() {
			return errors.Errorf("swiglu: %s dtype %s != x dtype %s", name, t.DType(), in.X.DType())
		}
	}
	inDim := in.X.Shape().Dim(-1)
	if err := in.W1.Shape().CheckDims(-1, inDim); err != nil {
		return errors.Wrap(err, "swiglu: w1")
	}
	hidden := in.W1.Shape().Dim(0)
	if err := in.W2.Shape().CheckDims(hidden, inDim); err != nil {
		return errors.Wrap(err, "swiglu: w2")
	}
	if err := in.W3.Shape().CheckDims(-1, hidden); err != nil {
		return errors.Wrap(err, "swiglu: w3")
	}
	outDim := in.W3.Shape().Dim(0)
	for name, pair := range map[string]struct {
		bias *tensors.Tensor
		dim  int
	}{"b1": {in.B1, hidden}, "b2": {in.B2, hidden}, "b3": {in.B3, outDim}} {
		if pair.bias == nil {
			continue
		}
		if err := pair.bias.Shape().CheckDims(pair.dim); err != nil {
			return errors.Wrapf(err, "swiglu: %s", name)
		}
		if pair.bias.DType() != in.X.DType() {
			return errors.Errorf("swiglu: %s dtype %s != x dtype %s", name, pair.bias.DType(), in.X.DType())
		}
	}
	return nil
}

// Context carries the forward-pass activations the backward pass needs: the
// two pre-activation projections. Valid only for the variant that produced it.
type Context struct {
	variant string
	output  *tensors.Tensor

	// x1 and x2 are the gate and value projections, (n, hidden), kept in
	// float64 regardless of the input dtype.
	x1, x2 []float64
}

// Variant returns the name of the kernel variant that produced this context.
func (c *Context) Variant() string { return c.variant }

// Output returns the forward output the context was produced with.
func (c *Context) Output() *tensors.Tensor { return c.output }

func requireContext(ctx *Context, variant string) error {
	if ctx == nil {
		return errors.Errorf("swiglu: backward of %q called with nil context", variant)
	}
	if ctx.variant != variant {
		return &ops.ContextMismatchError{ContextVariant: ctx.variant, BackwardVariant: variant}
	}
	return nil
}

// Gradients of one SwiGLU call. Bias gradients are nil when the
// corresponding bias was nil.
type Gradients struct {
	DX       *tensors.Tensor
	DW1, DB1 *tensors.Tensor
	DW2, DB2 *tensors.Tensor
	DW3, DB3 *tensors.Tensor
}

// Variant is the contract every SwiGLU kernel implements.
type Variant interface {
	ops.Variant

	Forward(inputs Inputs) (*tensors.Tensor, *Context, error)
	Backward(ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error)
}

// NewRegistry returns a registry with the built-in variants in priority
// order: the fused kernel, then the decomposed fallback.
func NewRegistry() *ops.Registry[Variant] {
	return NewRegistryWithBreaker(ops.KernelBreaker)
}

// NewRegistryWithBreaker is NewRegistry with a private circuit breaker, for
// tests.
func NewRegistryWithBreaker(breaker *ops.Breaker) *ops.Registry[Variant] {
	reg := ops.NewRegistryWithBreaker[Variant](breaker)
	reg.Register(newFused())
	reg.Register(newDecomposed())
	return reg
}

var defaultRegistry = sync.OnceValue(NewRegistry)

// Default returns the process-wide registry with the built-in variants.
func Default() *ops.Registry[Variant] { return defaultRegistry() }

// Functional dispatches the SwiGLU forward pass.
func Functional(reg *ops.Registry[Variant], inputs Inputs) (*tensors.Tensor, *Context, error) {
	if err := inputs.Validate(); err != nil {
		return nil, nil, err
	}
	variant, err := reg.Select(inputs.Descriptor(), inputs.Variant)
	if err != nil {
		return nil, nil, err
	}
	return variant.Forward(inputs)
}

// Backward dispatches the backward pass on the variant recorded in the
// Context.
func Backward(reg *ops.Registry[Variant], ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error) {
	if ctx == nil {
		return nil, errors.New("swiglu: Backward called with nil context")
	}
	variant, found := reg.Get(ctx.variant)
	if !found {
		return nil, errors.Errorf("swiglu: context variant %q not registered", ctx.variant)
	}
	if err := inputs.Validate(); err != nil {
		return nil, err
	}
	if !gradOutput.Shape().Equal(ctx.output.Shape()) {
		return nil, errors.Errorf("swiglu: gradient shape %s != forward output shape %s",
			gradOutput.Shape(), ctx.output.Shape())
	}
	return variant.Backward(ctx, inputs, gradOutput)
}

// HiddenDim returns the SwiGLU hidden width for a feed-forward block that
// would use hiddenDim in a plain two-matrix MLP: two thirds of it (the gate
// adds the third matrix back), rounded up to a multiple of alignAs.
func HiddenDim(hiddenDim, alignAs int) int {
	h := 2 * hiddenDim / 3
	if alignAs > 1 {
		h = (h + alignAs - 1) / alignAs * alignAs
	}
	return h
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// silu is x*sigmoid(x), the gate activation.
func silu(x float64) float64 { return x * sigmoid(x) }

// siluGrad is the derivative s(x)*(1 + x*(1 - s(x))).
func siluGrad(x float64) float64 {
	s := sigmoid(x)
	return s * (1 + x*(1-s))
}
