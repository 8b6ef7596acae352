// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"math"

	"github.com/Tianxuandu/xform/internal/workerspool"
	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// memEffKeyBlock is the key-block tile width of the online softmax loop.
const memEffKeyBlock = 64

// memoryEfficientVariant is the flash-style kernel: it streams key blocks
// through an online softmax, so only a key-block sized tile of scores ever
// exists and the context carries just the per-row log-sum-exp. The backward
// pass recomputes attention probabilities from that normalizer.
//
// Reduced-precision inputs (F16/BF16) are computed with float32
// accumulation.
type memoryEfficientVariant struct {
	capability ops.Capability
	pool       *workerspool.Pool
}

func newMemoryEfficient() *memoryEfficientVariant {
	return &memoryEfficientVariant{
		capability: ops.Capability{
			Name:    "memory_efficient",
			Devices: map[tensors.Device]bool{tensors.CPU: true},
			DTypes: map[dtypes.DType]bool{
				dtypes.Float32:  true,
				dtypes.Float16:  true,
				dtypes.BFloat16: true,
			},
			MaxFeatureDim: 128,
			BiasKinds: map[ops.BiasKind]bool{
				ops.BiasNone:   true,
				ops.BiasCausal: true,
				ops.BiasDense:  true,
			},
			SupportsDropout:     true,
			SupportsCustomScale: true,
			ForwardTolerance: map[dtypes.DType]ops.Tolerance{
				dtypes.Float32:  {Atol: 2e-4, Rtol: 1e-4},
				dtypes.Float16:  {Atol: 2e-2, Rtol: 1e-2},
				dtypes.BFloat16: {Atol: 1e-1, Rtol: 5e-2},
			},
		},
		pool: workerspool.New(),
	}
}

func (m *memoryEfficientVariant) Name() string                { return m.capability.Name }
func (m *memoryEfficientVariant) Capability() *ops.Capability { return &m.capability }

// checkScratch enforces the scratch-memory ceiling: each worker holds one
// key-block score tile plus one output accumulator row in float32.
func (m *memoryEfficientVariant) checkScratch(valueDim int) error {
	workers := m.pool.MaxParallelism()
	if workers < 1 {
		workers = 1
	}
	scratch := uintptr(workers) * uintptr(memEffKeyBlock+valueDim) * 4
	if limit := ops.ScratchLimit(); scratch > limit {
		return errors.Wrapf(ops.ErrKernelResourceExhausted,
			"memory_efficient needs %s of scratch, limit is %s",
			humanize.IBytes(uint64(scratch)), humanize.IBytes(uint64(limit)))
	}
	return nil
}

func (m *memoryEfficientVariant) Forward(inputs Inputs) (*tensors.Tensor, *Context, error) {
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	if err := m.checkScratch(valueDim); err != nil {
		return nil, nil, err
	}
	scale := float32(inputs.scale())

	query := inputs.Query.Float32Values()
	key := inputs.Key.Float32Values()
	value := inputs.Value.Float32Values()
	bias := biasAt(inputs.Bias, batch, seqQ, seqKV)

	output := make([]float32, batch*seqQ*valueDim)
	lse := make([]float64, batch*seqQ)
	keepScale := float32(1.0 / (1.0 - inputs.DropoutP))

	m.pool.Parallelize(batch*seqQ, 1, func(start, end int) {
		scores := make([]float32, memEffKeyBlock)
		for row := start; row < end; row++ {
			b, i := row/seqQ, row%seqQ
			q := query[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
			acc := output[row*valueDim : (row+1)*valueDim]

			// Online softmax: rowMax and sumExp are maintained across
			// key blocks, rescaling the accumulator whenever the
			// running maximum grows. The dropout mask applies to the
			// unnormalized terms, which is equivalent because the
			// final division by sumExp is linear.
			rowMax := float32(math.Inf(-1))
			sumExp := float32(0)
			for j0 := 0; j0 < seqKV; j0 += memEffKeyBlock {
				j1 := min(j0+memEffKeyBlock, seqKV)
				blockMax := float32(math.Inf(-1))
				for j := j0; j < j1; j++ {
					k := key[(b*seqKV+j)*featureDim : (b*seqKV+j+1)*featureDim]
					s := float32(0)
					for c, qc := range q {
						s += qc * k[c]
					}
					s *= scale
					if bias != nil {
						s += float32(bias(b, i, j))
					}
					scores[j-j0] = s
					blockMax = max(blockMax, s)
				}
				if math.IsInf(float64(blockMax), -1) {
					continue // Fully masked block.
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
					e := float32(math.Exp(float64(scores[j-j0] - rowMax)))
					sumExp += e
					if inputs.DropoutP > 0 {
						if !ops.DropoutKeep(inputs.Seed, row*seqKV+j, inputs.DropoutP) {
							continue
						}
						e *= keepScale
					}
					v := value[(b*seqKV+j)*valueDim : (b*seqKV+j+1)*valueDim]
					for c, vc := range v {
						acc[c] += e * vc
					}
				}
			}

			if sumExp == 0 {
				// Every key masked out: zero attention, lse = -Inf.
				lse[row] = math.Inf(-1)
				continue
			}
			lse[row] = float64(rowMax) + math.Log(float64(sumExp))
			for c := range acc {
				acc[c] /= sumExp
			}
		}
	})

	outTensor := tensors.FromFlatDataAndDimensions(output, batch, seqQ, valueDim).
		ConvertTo(inputs.Query.DType())
	ctx := &Context{
		variant:  m.Name(),
		output:   outTensor,
		lse:      lse,
		seed:     inputs.Seed,
		dropoutP: inputs.DropoutP,
	}
	return outTensor, ctx, nil
}

func (m *memoryEfficientVariant) Backward(ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error) {
	if err := requireContext(ctx, m.Name()); err != nil {
		return nil, err
	}
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	if err := m.checkScratch(valueDim); err != nil {
		return nil, err
	}
	scale := float32(inputs.scale())

	query := inputs.Query.Float32Values()
	key := inputs.Key.Float32Values()
	value := inputs.Value.Float32Values()
	gradOut := gradOutput.Float32Values()
	forwardOut := ctx.output.Float32Values()
	bias := biasAt(inputs.Bias, batch, seqQ, seqKV)
	keepScale := float32(1.0 / (1.0 - ctx.dropoutP))

	dQuery := make([]float32, len(query))
	dKey := make([]float32, len(key))
	dValue := make([]float32, len(value))

	// Probabilities are recomputed as exp(s - lse) per row; the row
	// reduction D_i = <dO, O> replaces a stored attention matrix (it equals
	// sum_j dP_j P_j, dropout included). dKey/dValue gather across query
	// rows, so parallelism is per batch element.
	m.pool.Parallelize(batch, 1, func(start, end int) {
		for b := start; b < end; b++ {
			for i := range seqQ {
				row := b*seqQ + i
				rowLSE := ctx.lse[row]
				if math.IsInf(rowLSE, -1) {
					continue // Fully masked row: zero gradients.
				}
				q := query[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
				dQ := dQuery[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
				dOut := gradOut[row*valueDim : (row+1)*valueDim]
				out := forwardOut[row*valueDim : (row+1)*valueDim]

				rowDot := float32(0)
				for c, g := range dOut {
					rowDot += g * out[c]
				}

				for j := range seqKV {
					k := key[(b*seqKV+j)*featureDim : (b*seqKV+j+1)*featureDim]
					s := float32(0)
					for c, qc := range q {
						s += qc * k[c]
					}
					s *= scale
					if bias != nil {
						biasValue := bias(b, i, j)
						if math.IsInf(biasValue, -1) {
							continue
						}
						s += float32(biasValue)
					}
					p := float32(math.Exp(float64(s) - rowLSE))

					keep := float32(1)
					if ctx.dropoutP > 0 {
						if ops.DropoutKeep(ctx.seed, row*seqKV+j, ctx.dropoutP) {
							keep = keepScale
						} else {
							keep = 0
						}
					}
					v := value[(b*seqKV+j)*valueDim : (b*seqKV+j+1)*valueDim]
					dP := float32(0)
					pd := p * keep
					for c, g := range dOut {
						dValue[(b*seqKV+j)*valueDim+c] += pd * g
						dP += g * v[c]
					}
					dP *= keep

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
	})

	dtype := inputs.Query.DType()
	return &Gradients{
		DQuery: tensors.FromFlatDataAndDimensions(dQuery, batch, seqQ, featureDim).ConvertTo(dtype),
		DKey:   tensors.FromFlatDataAndDimensions(dKey, batch, seqKV, featureDim).ConvertTo(dtype),
		DValue: tensors.FromFlatDataAndDimensions(dValue, batch, seqKV, valueDim).ConvertTo(dtype),
	}, nil
}
