// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"math"

	"github.com/Tianxuandu/xform/internal/workerspool"
	"github.com/Tianxuandu/xform/ops"
	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// denseVariant is the full-matrix fallback: it materializes the whole
// (batch, seq_q, seq_kv) attention matrix, supports every bias kind, any
// feature dimension, dropout and custom scales. It computes in float64 and
// keeps the pre-dropout attention matrix in the Context, so its backward
// pass is a straight matrix chain with no recomputation.
type denseVariant struct {
	capability ops.Capability
	pool       *workerspool.Pool
}

func newDense() *denseVariant {
	return &denseVariant{
		capability: ops.Capability{
			Name:    "dense",
			Devices: map[tensors.Device]bool{tensors.CPU: true},
			DTypes:  map[dtypes.DType]bool{dtypes.Float32: true, dtypes.Float64: true},
			BiasKinds: map[ops.BiasKind]bool{
				ops.BiasNone:        true,
				ops.BiasCausal:      true,
				ops.BiasDense:       true,
				ops.BiasBlockSparse: true,
			},
			SupportsDropout:     true,
			SupportsCustomScale: true,
			ForwardTolerance: map[dtypes.DType]ops.Tolerance{
				dtypes.Float32: {Atol: 2e-4, Rtol: 1e-4},
				dtypes.Float64: {Atol: 1e-8, Rtol: 1e-5},
			},
		},
		pool: workerspool.New(),
	}
}

func (d *denseVariant) Name() string                { return d.capability.Name }
func (d *denseVariant) Capability() *ops.Capability { return &d.capability }

func (d *denseVariant) Forward(inputs Inputs) (*tensors.Tensor, *Context, error) {
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	scale := inputs.scale()

	query := inputs.Query.Float64Values()
	key := inputs.Key.Float64Values()
	value := inputs.Value.Float64Values()
	bias := biasAt(inputs.Bias, batch, seqQ, seqKV)

	attn := make([]float64, batch*seqQ*seqKV)
	lse := make([]float64, batch*seqQ)
	output := make([]float64, batch*seqQ*valueDim)
	keepScale := 1.0 / (1.0 - inputs.DropoutP)

	d.pool.Parallelize(batch*seqQ, 1, func(start, end int) {
		for row := start; row < end; row++ {
			b, i := row/seqQ, row%seqQ
			q := query[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
			scores := attn[row*seqKV : (row+1)*seqKV]

			rowMax := math.Inf(-1)
			for j := range seqKV {
				k := key[(b*seqKV+j)*featureDim : (b*seqKV+j+1)*featureDim]
				s := 0.0
				for c, qc := range q {
					s += qc * k[c]
				}
				s *= scale
				if bias != nil {
					s += bias(b, i, j)
				}
				scores[j] = s
				rowMax = math.Max(rowMax, s)
			}

			// A fully masked row has no finite score: attention is
			// defined as zero there, with lse = -Inf.
			if math.IsInf(rowMax, -1) {
				for j := range scores {
					scores[j] = 0
				}
				lse[row] = math.Inf(-1)
				continue
			}

			sumExp := 0.0
			for j, s := range scores {
				e := math.Exp(s - rowMax)
				scores[j] = e
				sumExp += e
			}
			lse[row] = rowMax + math.Log(sumExp)
			for j := range scores {
				scores[j] /= sumExp
			}

			out := output[row*valueDim : (row+1)*valueDim]
			for j, p := range scores {
				if inputs.DropoutP > 0 {
					if !ops.DropoutKeep(inputs.Seed, row*seqKV+j, inputs.DropoutP) {
						continue
					}
					p *= keepScale
				}
				v := value[(b*seqKV+j)*valueDim : (b*seqKV+j+1)*valueDim]
				for c, vc := range v {
					out[c] += p * vc
				}
			}
		}
	})

	outTensor := tensors.FromFlatDataAndDimensions(output, batch, seqQ, valueDim).
		ConvertTo(inputs.Query.DType())
	ctx := &Context{
		variant:  d.Name(),
		output:   outTensor,
		lse:      lse,
		attn:     tensors.FromFlatDataAndDimensions(attn, batch, seqQ, seqKV),
		seed:     inputs.Seed,
		dropoutP: inputs.DropoutP,
	}
	return outTensor, ctx, nil
}

func (d *denseVariant) Backward(ctx *Context, inputs Inputs, gradOutput *tensors.Tensor) (*Gradients, error) {
	if err := requireContext(ctx, d.Name()); err != nil {
		return nil, err
	}
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	scale := inputs.scale()

	query := inputs.Query.Float64Values()
	key := inputs.Key.Float64Values()
	value := inputs.Value.Float64Values()
	gradOut := gradOutput.Float64Values()
	attn := ctx.attn.Float64Values()
	keepScale := 1.0 / (1.0 - ctx.dropoutP)

	dQuery := make([]float64, len(query))
	dKey := make([]float64, len(key))
	dValue := make([]float64, len(value))

	// dKey/dValue accumulate across query rows, so parallelism is per
	// batch element.
	d.pool.Parallelize(batch, 1, func(start, end int) {
		dP := make([]float64, seqKV)
		for b := start; b < end; b++ {
			for i := range seqQ {
				row := b*seqQ + i
				probs := attn[row*seqKV : (row+1)*seqKV]
				dOut := gradOut[row*valueDim : (row+1)*valueDim]

				// dV += Pd^T dO and dP = (dO V^T) * R, where R is the
				// rescaled dropout mask applied in the forward pass.
				rowDot := 0.0
				for j, p := range probs {
					keep := 1.0
					if ctx.dropoutP > 0 {
						if ops.DropoutKeep(ctx.seed, row*seqKV+j, ctx.dropoutP) {
							keep = keepScale
						} else {
							keep = 0
						}
					}
					v := value[(b*seqKV+j)*valueDim : (b*seqKV+j+1)*valueDim]
					dot := 0.0
					pd := p * keep
					for c, g := range dOut {
						dValue[(b*seqKV+j)*valueDim+c] += pd * g
						dot += g * v[c]
					}
					dP[j] = dot * keep
					rowDot += dP[j] * p
				}

				// dS = P * (dP - sum_j dP_j P_j), then
				// dQ = scale * dS K and dK += scale * dS^T Q.
				q := query[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
				dQ := dQuery[(b*seqQ+i)*featureDim : (b*seqQ+i+1)*featureDim]
				for j, p := range probs {
					dS := scale * p * (dP[j] - rowDot)
					if dS == 0 {
						continue
					}
					k := key[(b*seqKV+j)*featureDim : (b*seqKV+j+1)*featureDim]
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
