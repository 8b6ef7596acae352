// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"math"

	"github.com/Tianxuandu/xform/internal/workerspool"
	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// causalBlockSize tiles the key axis when the block-sparse kernel runs a
// causal mask instead of an explicit BlockSparseMask.
const causalBlockSize = 64

// blockSparseVariant exploits block structure in the mask: key blocks that
// are fully masked for a query row are skipped without computing a single
// score. Causal masks are handled the same way, with blocks past the
// diagonal skipped and only the diagonal block masked element-wise.
type blockSparseVariant struct {
	capability ops.Capability
	pool       *workerspool.Pool
}

func newBlockSparse() *blockSparseVariant {
	return &blockSparseVariant{
		capability: ops.Capability{
			Name:          "block_sparse",
			Devices:       map[tensors.Device]bool{tensors.CPU: true},
			DTypes:        map[dtypes.DType]bool{dtypes.Float32: true},
			MaxFeatureDim: 128,
			BiasKinds: map[ops.BiasKind]bool{
				ops.BiasCausal:      true,
				ops.BiasBlockSparse: true,
			},
			SupportsCustomScale: true,
			ForwardTolerance: map[dtypes.DType]ops.Tolerance{
				dtypes.Float32: {Atol: 2e-4, Rtol: 1e-4},
			},
		},
		pool: workerspool.New(),
	}
}

func (v *blockSparseVariant) Name() string                { return v.capability.Name }
func (v *blockSparseVariant) Capability() *ops.Capability { return &v.capability }

// blockPlan resolves the bias into a key-block traversal: blockSize, and for
// a given query row the kept key blocks plus the per-element mask inside a
// block (nil when the whole block is live).
type blockPlan struct {
	blockSize int
	numBlocks int

	// keepBlock reports whether any key in block kb is live for query i.
	keepBlock func(i, kb int) bool
	// keepElement reports whether key j is live for query i; nil when
	// every key of a kept block is live (pure block sparsity).
	keepElement func(i, j int) bool
}

func planBlocks(bias AttnBias, seqKV int) blockPlan {
	switch b := bias.(type) {
	case CausalMask:
		return blockPlan{
			blockSize:   causalBlockSize,
			numBlocks:   (seqKV + causalBlockSize - 1) / causalBlockSize,
			keepBlock:   func(i, kb int) bool { return kb*causalBlockSize <= i },
			keepElement: func(i, j int) bool { return j <= i },
		}
	case *BlockSparseMask:
		return blockPlan{
			blockSize: b.BlockSize,
			numBlocks: b.KBlocks,
			keepBlock: func(i, kb int) bool { return b.KeepBlock(i/b.BlockSize, kb) },
		}
	default:
		// Unreachable given the capability's bias kinds.
		return blockPlan{}
	}
}

func (v *blockSparseVariant) Forward(inputs Inputs) (*tensors.Tensor, *Context, error) {
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	scale := float32(inputs.scale())
	plan := planBlocks(inputs.Bias, seqKV)

	query := inputs.Query.Float32Values()
	key := inputs.Key.Float32Values()
	value := inputs.Value.Float32Values()

	output := make([]float32, batch*seqQ*valueDim)
	lse := make([]float64, batch*seqQ)

	v.pool.Parallelize(batch*seqQ, 1, func(start, end int) {
		scores := make([]float32, plan.blockSize)
		for row := start; row < end; row++ {
			b, i := row/seqQ, row%seqQ
			q := query[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
			acc := output[row*valueDim : (row+1)*valueDim]

			rowMax := float32(math.Inf(-1))
			sumExp := float32(0)
			for kb := 0; kb < plan.numBlocks; kb++ {
				if !plan.keepBlock(i, kb) {
					continue
				}
				j0 := kb * plan.blockSize
				j1 := min(j0+plan.blockSize, seqKV)
				blockMax := float32(math.Inf(-1))
				for j := j0; j < j1; j++ {
					if plan.keepElement != nil && !plan.keepElement(i, j) {
						scores[j-j0] = float32(math.Inf(-1))
						continue
					}
					k := key[(b*seqKV+j)*featureDim : (b*seqKV+j+1)*featureDim]
					s := float32(0)
					for c, qc := range q {
						s += qc * k[c]
					}
					s *= scale
					scores[j-j0] = s
					blockMax = max(blockMax, s)
				}
				if math.IsInf(float64(blockMax), -1) {
					continue
				}
				newMax := max(rowMax, blockMax)
				if newMax > rowMax && sumExp > 0 {
					correction := float32(math.Exp(float64(rowMax - newMax)))
					sumExp *= correction
					for c := range acc {
						acc[c] *= correction
					}
				}
				rowMax = newMax
				for j := j0; j < j1; j++ {
					if math.IsInf(float64(scores[j-j0]), -1) {
						continue
					}
					e := float32(math.Exp(float64(scores[j-j0] - rowMax)))
					sumExp += e
					vRow := value[(b*seqKV+j)*valueDim : (b*seqKV+j+1)*valueDim]
					for c, vc := range vRow {
						acc[c] += e * vc
					}
				}
			}

			if sumExp == 0 {
				lse[row] = math.Inf(-1)
				continue
			}
			lse[row] = float64(rowMax) + math.Log(float64(sumExp))
			for c := range acc {
				acc[c] /= sumExp
			}
		}
	})

	outTensor := tensors.FromFlatDataAndDimensions(output, batch, seqQ, valueDim)
	ctx := &Context{
		variant: v.Name(),
		output:  outTensor,
		lse:     lse,
	}
	return outTensor, ctx, nil
}

func (v *blockSparseVariant) Backward(ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error) {
	if err := requireContext(ctx, v.Name()); err != nil {
		return nil, err
	}
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	scale := float32(inputs.scale())
	plan := planBlocks(inputs.Bias, seqKV)

	query := inputs.Query.Float32Values()
	key := inputs.Key.Float32Values()
	value := inputs.Value.Float32Values()
	gradOut := gradOutput.Float32Values()
	forwardOut := ctx.output.Float32Values()

	dQuery := make([]float32, len(query))
	dKey := make([]float32, len(key))
	dValue := make([]float32, len(value))

	// Same traversal as forward, with probabilities recomputed from the
	// stored log-sum-exp; gradients of skipped blocks are identically zero.
	v.pool.Parallelize(batch, 1, func(start, end int) {
		for b := start; b < end; b++ {
			for i := range seqQ {
				row := b*seqQ + i
				rowLSE := ctx.lse[row]
				if math.IsInf(rowLSE, -1) {
					continue
				}
				q := query[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
				dQ := dQuery[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
				dOut := gradOut[row*valueDim : (row+1)*valueDim]
				out := forwardOut[row*valueDim : (row+1)*valueDim]

				rowDot := float32(0)
				for c, g := range dOut {
					rowDot += g * out[c]
				}

				for kb := 0; kb < plan.numBlocks; kb++ {
					if !plan.keepBlock(i, kb) {
						continue
					}
					j0 := kb * plan.blockSize
					j1 := min(j0+plan.blockSize, seqKV)
					for j := j0; j < j1; j++ {
						if plan.keepElement != nil && !plan.keepElement(i, j) {
							continue
						}
						k := key[(b*seqKV+j)*featureDim : (b*seqKV+j+1)*featureDim]
						s := float32(0)
						for c, qc := range q {
							s += qc * k[c]
						}
						s *= scale
						p := float32(math.Exp(float64(s) - rowLSE))

						vRow := value[(b*seqKV+j)*valueDim : (b*seqKV+j+1)*valueDim]
						dP := float32(0)
						for c, g := range dOut {
							dValue[(b*seqKV+j)*valueDim+c] += p * g
							dP += g * vRow[c]
						}

						dS := scale * p * (dP - rowDot)
						if dS == 0 {
							continue
						}
						for c := range featureDim {
							dQ[c] += dS * k[c]
							dKey[(b*seqKV+j)*featureDim+c] += dS * q[c]
						}
					}
				}
			}
		}
	})

	return &Gradients{
		DQuery: tensors.FromFlatDataAndDimensions(dQuery, batch, seqQ, featureDim),
		DKey:   tensors.FromFlatDataAndDimensions(dKey, batch, seqKV, featureDim),
		DValue: tensors.FromFlatDataAndDimensions(dValue, batch, seqKV, valueDim),
	}, nil
}
