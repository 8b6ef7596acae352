// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// BiasKind classifies the attention bias/mask attached to a call, for
// capability matching. The actual bias payload lives with the operator
// package (see ops/fmha); dispatch only needs its kind.
type BiasKind int

const (
	// BiasNone means no bias/mask.
	BiasNone BiasKind = iota

	// BiasCausal is the lower-triangular causal mask. It's a marker, not a
	// materialized tensor: variants materialize it only if they need to.
	BiasCausal

	// BiasDense is an additive dense tensor broadcastable to
	// (batch, q_len, kv_len). -Inf entries mask positions out.
	BiasDense

	// BiasBlockSparse is a block-structured mask where fully masked key
	// blocks can be skipped entirely.
	BiasBlockSparse
)

// String implements fmt.Stringer.
func (k BiasKind) String() string {
	switch k {
	case BiasNone:
		return "none"
	case BiasCausal:
		return "causal"
	case BiasDense:
		return "dense"
	case BiasBlockSparse:
		return "block-sparse"
	default:
		return "unknown"
	}
}

// InputDescriptor summarizes one operator call for capability matching.
// It is derived from the actual tensors at call time (see e.g.
// fmha.Inputs.Descriptor) and is a plain immutable value.
type InputDescriptor struct {
	Device tensors.Device
	DType  dtypes.DType

	// Batch, SeqQ and SeqKV are the batch size and query/key sequence
	// lengths. For non-attention operators SeqQ is the number of rows and
	// SeqKV is unused (zero).
	Batch, SeqQ, SeqKV int

	// FeatureDim is the size of the last axis of query/key (the "K" the
	// capability ceiling applies to).
	FeatureDim int

	Bias BiasKind

	// Dropout is whether the call requests dropout (p > 0).
	Dropout bool

	// CustomScale is whether the call overrides the default 1/sqrt(K)
	// softmax scale.
	CustomScale bool
}

// String implements fmt.Stringer, for error messages.
func (d InputDescriptor) String() string {
	return fmt.Sprintf("device=%s dtype=%s batch=%d seq_q=%d seq_kv=%d k=%d bias=%s dropout=%v custom_scale=%v",
		d.Device, d.DType, d.Batch, d.SeqQ, d.SeqKV, d.FeatureDim, d.Bias, d.Dropout, d.CustomScale)
}
