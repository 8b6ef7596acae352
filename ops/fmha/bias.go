// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"math"

	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/pkg/errors"
)

// AttnBias is the typed union of attention bias/mask kinds. A nil AttnBias
// means no bias.
//
// The union is sealed: variants switch on the concrete types below.
type AttnBias interface {
	// BiasKind returns the kind used for capability matching.
	BiasKind() ops.BiasKind
}

// CausalMask marks lower-triangular (causal) attention: query position i
// attends only key positions j <= i. It is a marker, not a materialized
// tensor -- variants that need the additive form call MaterializeBias.
type CausalMask struct{}

// BiasKind implements AttnBias.
func (CausalMask) BiasKind() ops.BiasKind { return ops.BiasCausal }

// DenseBias is an additive bias tensor broadcastable to
// (batch, seq_q, seq_kv): each axis may either match or be 1 (and the batch
// axis may be absent, i.e. rank 2). -Inf entries mask positions out.
type DenseBias struct {
	Bias *tensors.Tensor
}

// BiasKind implements AttnBias.
func (DenseBias) BiasKind() ops.BiasKind { return ops.BiasDense }

// BlockSparseMask is a block-structured mask: the (seq_q, seq_kv) score
// matrix is tiled in BlockSize x BlockSize blocks and Keep says, in
// row-major (query-block, key-block) order, which blocks participate.
// Masked blocks are skipped entirely by the block-sparse kernel.
//
// The same mask applies to every batch element.
type BlockSparseMask struct {
	BlockSize        int
	QBlocks, KBlocks int
	Keep             []bool
}

// BiasKind implements AttnBias.
func (*BlockSparseMask) BiasKind() ops.BiasKind { return ops.BiasBlockSparse }

// KeepBlock returns whether block (qb, kb) participates.
func (m *BlockSparseMask) KeepBlock(qb, kb int) bool {
	return m.Keep[qb*m.KBlocks+kb]
}

// BiasKindOf returns the dispatch kind of a (possibly nil) bias.
func BiasKindOf(bias AttnBias) ops.BiasKind {
	if bias == nil {
		return ops.BiasNone
	}
	return bias.BiasKind()
}

func validateBias(bias AttnBias, batch, seqQ, seqKV int) error {
	switch b := bias.(type) {
	case nil, CausalMask:
		return nil
	case DenseBias:
		if b.Bias == nil {
			return errors.New("fmha: DenseBias with nil tensor")
		}
		shape := b.Bias.Shape()
		dims := shape.Dimensions
		if shape.Rank() != 2 && shape.Rank() != 3 {
			return errors.Errorf("fmha: dense bias must have rank 2 or 3, got %s", shape)
		}
		if shape.Rank() == 3 {
			if dims[0] != batch && dims[0] != 1 {
				return errors.Errorf("fmha: dense bias %s not broadcastable to batch %d", shape, batch)
			}
			dims = dims[1:]
		}
		if (dims[0] != seqQ && dims[0] != 1) || (dims[1] != seqKV && dims[1] != 1) {
			return errors.Errorf("fmha: dense bias %s not broadcastable to (%d, %d, %d)",
				shape, batch, seqQ, seqKV)
		}
		return nil
	case *BlockSparseMask:
		if b.BlockSize <= 0 {
			return errors.Errorf("fmha: block-sparse mask has block size %d", b.BlockSize)
		}
		if len(b.Keep) != b.QBlocks*b.KBlocks {
			return errors.Errorf("fmha: block-sparse mask has %d entries, want %d x %d",
				len(b.Keep), b.QBlocks, b.KBlocks)
		}
		if b.QBlocks*b.BlockSize != seqQ || b.KBlocks*b.BlockSize != seqKV {
			return errors.Errorf("fmha: block-sparse mask (%dx%d blocks of %d) doesn't tile (%d, %d)",
				b.QBlocks, b.KBlocks, b.BlockSize, seqQ, seqKV)
		}
		return nil
	default:
		return errors.Errorf("fmha: unknown bias type %T", bias)
	}
}

// biasAt returns an accessor of the additive bias value at (b, i, j), widened
// to float64, handling broadcasting and the causal/block-sparse marker
// types. A nil bias yields a nil accessor (meaning all-zero).
func biasAt(bias AttnBias, batch, seqQ, seqKV int) func(b, i, j int) float64 {
	switch bb := bias.(type) {
	case nil:
		return nil
	case CausalMask:
		return func(_, i, j int) float64 {
			if j > i {
				return math.Inf(-1)
			}
			return 0
		}
	case DenseBias:
		values := bb.Bias.Float64Values()
		dims := bb.Bias.Shape().Dimensions
		if len(dims) == 2 {
			dims = []int{1, dims[0], dims[1]}
		}
		strideB, strideQ, strideK := dims[1]*dims[2], dims[2], 1
		if dims[0] == 1 {
			strideB = 0
		}
		if dims[1] == 1 {
			strideQ = 0
		}
		if dims[2] == 1 {
			strideK = 0
		}
		return func(b, i, j int) float64 {
			return values[b*strideB+i*strideQ+j*strideK]
		}
	case *BlockSparseMask:
		blockSize := bb.BlockSize
		return func(_, i, j int) float64 {
			if bb.KeepBlock(i/blockSize, j/blockSize) {
				return 0
			}
			return math.Inf(-1)
		}
	default:
		return nil
	}
}

// MaterializeBias materializes any bias kind as a dense additive float64
// tensor of shape (batch, seq_q, seq_kv). Used by the reference oracle and by
// tests; kernels use biasAt to avoid the allocation.
func MaterializeBias(bias AttnBias, batch, seqQ, seqKV int) *tensors.Tensor {
	values := make([]float64, batch*seqQ*seqKV)
	at := biasAt(bias, batch, seqQ, seqKV)
	if at != nil {
		idx := 0
		for b := range batch {
			for i := range seqQ {
				for j := range seqKV {
					values[idx] = at(b, i, j)
					idx++
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(values, batch, seqQ, seqKV)
}
