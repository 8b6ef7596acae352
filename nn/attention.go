// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

// Package nn provides composable building blocks (attention wrappers,
// feed-forward blocks, activations, positional embeddings) on top of the
// dispatched kernels in ops.
package nn

import (
	"github.com/Tianxuandu/xform/ops/fmha"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/pkg/errors"
)

// ScaledDotProductAttention runs softmax(q k^T / sqrt(d) + mask) v through
// the attention kernel registry. The mask, if non-nil, is an additive bias
// broadcastable to (batch, seqQ, seqKV); dropoutP > 0 enables deterministic
// dropout driven by seed.
func ScaledDotProductAttention(query, key, value *tensors.Tensor, mask *tensors.Tensor, dropoutP float64, seed uint64) (*tensors.Tensor, error) {
	var bias fmha.AttnBias
	if mask != nil {
		bias = fmha.DenseBias{Bias: mask}
	}
	output, _, err := fmha.Forward(fmha.Default(), fmha.Inputs{
		Query:    query,
		Key:      key,
		Value:    value,
		Bias:     bias,
		DropoutP: dropoutP,
		Seed:     seed,
	})
	return output, err
}

// CausalSelfAttention is ScaledDotProductAttention with the causal mask
// marker, letting the dispatcher pick a kernel that never materializes it.
func CausalSelfAttention(query, key, value *tensors.Tensor, dropoutP float64, seed uint64) (*tensors.Tensor, error) {
	output, _, err := fmha.Forward(fmha.Default(), fmha.Inputs{
		Query:    query,
		Key:      key,
		Value:    value,
		Bias:     fmha.CausalMask{},
		DropoutP: dropoutP,
		Seed:     seed,
	})
	return output, err
}

// LocalAttention is sliding-window self attention: each query attends a
// window of neighboring keys. Causal windows look back window-1 positions;
// symmetric windows (window odd) look window/2 positions both ways.
type LocalAttention struct {
	Window int
	Causal bool

	DropoutP float64
	Seed     uint64
}

// Forward applies local attention; query, key and value must share the same
// sequence length.
func (l *LocalAttention) Forward(query, key, value *tensors.Tensor) (*tensors.Tensor, error) {
	if l.Window <= 0 {
		return nil, errors.Errorf("nn: local attention window must be positive, got %d", l.Window)
	}
	if !l.Causal && l.Window%2 == 0 {
		return nil, errors.Errorf("nn: symmetric local attention needs an odd window, got %d", l.Window)
	}
	seqQ := query.Shape().Dim(1)
	if seqKV := key.Shape().Dim(1); seqKV != seqQ {
		return nil, errors.Errorf("nn: local attention is self attention, got seq_q=%d seq_kv=%d", seqQ, seqKV)
	}
	mask := LocalMask(seqQ, l.Window, l.Causal).ConvertTo(query.DType())
	return ScaledDotProductAttention(query, key, value, mask, l.DropoutP, l.Seed)
}
