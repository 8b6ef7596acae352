// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

// Package fmha implements fused multi-head-attention kernels behind the
// capability/dispatch registry of the ops package.
//
// Three variants are provided, in dispatch priority order:
//
//   - "memory_efficient": tiled online-softmax forward that never
//     materializes the attention matrix, saving only the per-row
//     log-sum-exp normalizer; its backward recomputes attention
//     probabilities from the normalizer instead of storing them.
//   - "block_sparse": block-structured variant that skips fully-masked key
//     blocks entirely.
//   - "dense": the full-matrix fallback, O(seq_q x seq_kv) memory, which
//     supports every configuration and doubles as the production fallback
//     when a fused kernel trips the circuit breaker.
//
// All tensors use the (batch, sequence, feature) convention. Dropout, when
// requested, is driven by the caller-supplied seed in Inputs.Seed through the
// deterministic counter PRNG of the ops package: the mask element for
// (batch b, query i, key j) is addressed by the flat index (b*Mq+i)*Mkv+j,
// which every variant and the reference oracle share.
package fmha

import (
	"math"
	"sync"

	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/pkg/errors"
)

// Inputs of one attention call: an immutable value object created per call.
type Inputs struct {
	// Query is shaped (batch, seq_q, k), Key (batch, seq_kv, k) and
	// Value (batch, seq_kv, v). The value feature dimension v may differ
	// from k; the capability feature-dim ceiling applies to k.
	Query, Key, Value *tensors.Tensor

	// Bias is the optional attention bias/mask; nil means none.
	Bias AttnBias

	// DropoutP is the probability of dropping an attention weight. Zero
	// disables dropout.
	DropoutP float64

	// Seed drives the deterministic dropout mask. Ignored when DropoutP == 0.
	Seed uint64

	// Scale overrides the default softmax scale of 1/sqrt(k) when non-zero.
	Scale float64

	// Variant, when non-empty, requests an explicit kernel by name instead
	// of letting dispatch choose. Support is still verified.
	Variant string
}

// Descriptor derives the dispatch descriptor from the actual tensors.
func (in Inputs) Descriptor() ops.InputDescriptor {
	return ops.InputDescriptor{
		Device:      in.Query.Device(),
		DType:       in.Query.DType(),
		Batch:       in.Query.Shape().Dim(0),
		SeqQ:        in.Query.Shape().Dim(1),
		SeqKV:       in.Key.Shape().Dim(1),
		FeatureDim:  in.Query.Shape().Dim(-1),
		Bias:        BiasKindOf(in.Bias),
		Dropout:     in.DropoutP > 0,
		CustomScale: in.Scale != 0,
	}
}

// scale returns the effective softmax scale.
func (in Inputs) scale() float64 {
	if in.Scale != 0 {
		return in.Scale
	}
	return 1.0 / math.Sqrt(float64(in.Query.Shape().Dim(-1)))
}

// Validate checks shapes and parameters; kernels assume it passed.
func (in Inputs) Validate() error {
	for name, t := range map[string]*tensors.Tensor{"query": in.Query, "key": in.Key, "value": in.Value} {
		if t == nil {
			return errors.Errorf("fmha: %s tensor is nil", name)
		}
		if err := t.Shape().CheckRank(3); err != nil {
			return errors.Wrapf(err, "fmha: %s must be (batch, seq, feature)", name)
		}
	}
	batch := in.Query.Shape().Dim(0)
	featureDim := in.Query.Shape().Dim(-1)
	if err := in.Key.Shape().CheckDims(batch, -1, featureDim); err != nil {
		return errors.Wrap(err, "fmha: key incompatible with query")
	}
	seqKV := in.Key.Shape().Dim(1)
	if err := in.Value.Shape().CheckDims(batch, seqKV, -1); err != nil {
		return errors.Wrap(err, "fmha: value incompatible with key")
	}
	if in.Key.DType() != in.Query.DType() || in.Value.DType() != in.Query.DType() {
		return errors.Errorf("fmha: query/key/value dtypes differ (%s, %s, %s)",
			in.Query.DType(), in.Key.DType(), in.Value.DType())
	}
	if in.DropoutP < 0 || in.DropoutP >= 1 {
		return errors.Errorf("fmha: dropout probability must be in [0, 1), got %g", in.DropoutP)
	}
	if err := validateBias(in.Bias, batch, in.Query.Shape().Dim(1), seqKV); err != nil {
		return err
	}
	return nil
}

// Context is the opaque forward-pass state the matching backward pass needs.
//
// A Context is exclusively owned by the call site between forward and
// backward, is only valid for the variant that produced it, and should be
// discarded after backward completes.
type Context struct {
	variant string

	// output of the forward pass (needed by backward recomputation).
	output *tensors.Tensor

	// lse is the per-row log-sum-exp of the scaled scores, (batch*seq_q)
	// values in row-major order. The numerically-stable softmax normalizer:
	// probabilities recompute as exp(s_ij - lse_i).
	lse []float64

	// attn is the materialized pre-dropout attention matrix
	// (batch, seq_q, seq_kv), saved only by the dense variant.
	attn *tensors.Tensor

	seed     uint64
	dropoutP float64
}

// Variant returns the name of the kernel variant that produced this context.
func (c *Context) Variant() string { return c.variant }

// Output returns the forward output the context was produced with.
func (c *Context) Output() *tensors.Tensor { return c.output }

// LogSumExp returns the per-row softmax normalizer, (batch*seq_q) values.
func (c *Context) LogSumExp() []float64 { return c.lse }

// requireContext verifies the context was produced by the named variant's
// forward pass. Cross-variant context reuse would silently compute wrong
// gradients, so it is rejected loudly.
func requireContext(ctx *Context, variant string) error {
	if ctx == nil {
		return errors.Errorf("fmha: backward of %q called with nil context", variant)
	}
	if ctx.variant != variant {
		return &ops.ContextMismatchError{ContextVariant: ctx.variant, BackwardVariant: variant}
	}
	return nil
}

// Gradients of one attention call, mirroring the forward inputs' shapes,
// dtypes and devices exactly.
type Gradients struct {
	DQuery, DKey, DValue *tensors.Tensor
}

// Variant is the contract every attention kernel implements. Forward must
// not mutate its inputs; Backward consumes exactly the Context its own
// Forward produced.
type Variant interface {
	ops.Variant

	// Forward computes attention, returning the output (batch, seq_q, v)
	// and the opaque context for the backward pass.
	Forward(inputs Inputs) (*tensors.Tensor, *Context, error)

	// Backward computes input gradients given the upstream gradient of the
	// output.
	Backward(ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error)
}

// NewRegistry returns a registry with the built-in variants in priority
// order: memory-efficient, block-sparse and the dense fallback.
func NewRegistry() *ops.Registry[Variant] {
	return NewRegistryWithBreaker(ops.KernelBreaker)
}

// NewRegistryWithBreaker is NewRegistry with a private circuit breaker,
// for tests.
func NewRegistryWithBreaker(breaker *ops.Breaker) *ops.Registry[Variant] {
	reg := ops.NewRegistryWithBreaker[Variant](breaker)
	reg.Register(newMemoryEfficient())
	reg.Register(newBlockSparse())
	reg.Register(newDense())
	return reg
}

var defaultRegistry = sync.OnceValue(NewRegistry)

// Default returns the process-wide registry with the built-in variants.
func Default() *ops.Registry[Variant] { return defaultRegistry() }

// Forward dispatches the attention forward pass: it selects the
// highest-priority variant supporting the inputs (or the explicit
// Inputs.Variant), runs it and returns the output with the Context for the
// backward pass.
//
// A fused kernel failing with ops.ErrKernelResourceExhausted trips the
// process-wide circuit breaker and dispatch transparently retries, landing
// on the dense fallback; the error is not surfaced.
func Forward(reg *ops.Registry[Variant], inputs Inputs) (*tensors.Tensor, *Context, error) {
	if err := inputs.Validate(); err != nil {
		return nil, nil, err
	}
	desc := inputs.Descriptor()
	for attempt := 0; ; attempt++ {
		variant, err := reg.Select(desc, inputs.Variant)
		if err != nil {
			return nil, nil, err
		}
		output, ctx, err := variant.Forward(inputs)
		if err == nil {
			return output, ctx, nil
		}
		if errors.Is(err, ops.ErrKernelResourceExhausted) &&
			inputs.Variant == "" && attempt < len(reg.Variants()) {
			reg.Breaker().Trip(variant.Name(), err)
			continue // Re-select: the tripped variant is skipped now.
		}
		return nil, nil, errors.Wrapf(err, "fmha: kernel %q failed", variant.Name())
	}
}

// Backward dispatches the backward pass for a forward/backward pair: the
// variant recorded in the Context is used, guaranteeing the pair runs on the
// same kernel within one training step.
func Backward(reg *ops.Registry[Variant], ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error) {
	if ctx == nil {
		return nil, errors.New("fmha: Backward called with nil context")
	}
	variant, found := reg.Get(ctx.variant)
	if !found {
		return nil, errors.Errorf("fmha: context variant %q not registered", ctx.variant)
	}
	if err := inputs.Validate(); err != nil {
		return nil, err
	}
	if !gradOutput.Shape().Equal(ctx.output.Shape()) {
		return nil, errors.Errorf("fmha: gradient shape %s != forward output shape %s",
			gradOutput.Shape(), ctx.output.Shape())
	}
	return variant.Backward(ctx, inputs, gradOutput)
}

// MemoryEfficientAttention is the convenience entry point: it dispatches on
// the Default registry and returns only the output. Use Forward/Backward for
// training.
func MemoryEfficientAttention(query, key, value *tensors.Tensor, bias AttnBias, dropoutP float64) (*tensors.Tensor, error) {
	output, _, err := Forward(Default(), Inputs{
		Query:    query,
		Key:      key,
		Value:    value,
		Bias:     bias,
		DropoutP: dropoutP,
	})
	return output, err
}
