// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package fmha

import (
	"math"

	"github.com/Tianxuandu/xform/ops"
	"gonum.org/v1/gonum/mat"
)

// The reference oracle: a small and obviously-correct float64 attention
// built on gonum dense matrices. It materializes everything, shares the
// dropout counter PRNG with the kernels, and is the ground truth the
// variant tests compare against.

type referenceResult struct {
	output []float64 // (batch, seq_q, value_dim), row-major.
	lse    []float64 // (batch * seq_q).
	probs  []float64 // Pre-dropout attention, (batch, seq_q, seq_kv).
}

func referenceForward(inputs Inputs) *referenceResult {
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	scale := inputs.scale()
	bias := biasAt(inputs.Bias, batch, seqQ, seqKV)

	query := inputs.Query.Float64Values()
	key := inputs.Key.Float64Values()
	value := inputs.Value.Float64Values()

	result := &referenceResult{
		output: make([]float64, batch*seqQ*valueDim),
		lse:    make([]float64, batch*seqQ),
		probs:  make([]float64, batch*seqQ*seqKV),
	}
	keepScale := 1.0 / (1.0 - inputs.DropoutP)

	for b := range batch {
		q := mat.NewDense(seqQ, featureDim, query[b*seqQ*featureDim:(b+1)*seqQ*featureDim])
		k := mat.NewDense(seqKV, featureDim, key[b*seqKV*featureDim:(b+1)*seqKV*featureDim])
		v := mat.NewDense(seqKV, valueDim, value[b*seqKV*valueDim:(b+1)*seqKV*valueDim])

		scores := mat.NewDense(seqQ, seqKV, nil)
		scores.Mul(q, k.T())
		scores.Scale(scale, scores)
		if bias != nil {
			for i := range seqQ {
				for j := range seqKV {
					scores.Set(i, j, scores.At(i, j)+bias(b, i, j))
				}
			}
		}

		probs := mat.NewDense(seqQ, seqKV, result.probs[b*seqQ*seqKV:(b+1)*seqQ*seqKV])
		for i := range seqQ {
			row := scores.RawRowView(i)
			rowMax := math.Inf(-1)
			for _, s := range row {
				rowMax = math.Max(rowMax, s)
			}
			if math.IsInf(rowMax, -1) {
				result.lse[b*seqQ+i] = math.Inf(-1)
				continue // Fully masked: probs stay zero.
			}
			sumExp := 0.0
			for _, s := range row {
				sumExp += math.Exp(s - rowMax)
			}
			result.lse[b*seqQ+i] = rowMax + math.Log(sumExp)
			for j, s := range row {
				probs.Set(i, j, math.Exp(s-rowMax)/sumExp)
			}
		}

		dropped := mat.DenseCopyOf(probs)
		if inputs.DropoutP > 0 {
			for i := range seqQ {
				for j := range seqKV {
					index := (b*seqQ+i)*seqKV + j
					if ops.DropoutKeep(inputs.Seed, index, inputs.DropoutP) {
						dropped.Set(i, j, dropped.At(i, j)*keepScale)
					} else {
						dropped.Set(i, j, 0)
					}
				}
			}
		}

		out := mat.NewDense(seqQ, valueDim, result.output[b*seqQ*valueDim:(b+1)*seqQ*valueDim])
		out.Mul(dropped, v)
	}
	return result
}

type referenceGradients struct {
	dQuery, dKey, dValue []float64
}

func referenceBackward(inputs Inputs, forward *referenceResult, gradOutput []float64) *referenceGradients {
	batch := inputs.Query.Shape().Dim(0)
	seqQ := inputs.Query.Shape().Dim(1)
	seqKV := inputs.Key.Shape().Dim(1)
	featureDim := inputs.Query.Shape().Dim(-1)
	valueDim := inputs.Value.Shape().Dim(-1)
	scale := inputs.scale()

	query := inputs.Query.Float64Values()
	key := inputs.Key.Float64Values()
	value := inputs.Value.Float64Values()
	keepScale := 1.0 / (1.0 - inputs.DropoutP)

	grads := &referenceGradients{
		dQuery: make([]float64, len(query)),
		dKey:   make([]float64, len(key)),
		dValue: make([]float64, len(value)),
	}

	for b := range batch {
		q := mat.NewDense(seqQ, featureDim, query[b*seqQ*featureDim:(b+1)*seqQ*featureDim])
		k := mat.NewDense(seqKV, featureDim, key[b*seqKV*featureDim:(b+1)*seqKV*featureDim])
		v := mat.NewDense(seqKV, valueDim, value[b*seqKV*valueDim:(b+1)*seqKV*valueDim])
		probs := mat.NewDense(seqQ, seqKV, forward.probs[b*seqQ*seqKV:(b+1)*seqQ*seqKV])
		dOut := mat.NewDense(seqQ, valueDim, gradOutput[b*seqQ*valueDim:(b+1)*seqQ*valueDim])

		// dropMask holds the rescaled mask R applied in the forward pass.
		dropMask := func(i, j int) float64 {
			if inputs.DropoutP == 0 {
				return 1
			}
			if ops.DropoutKeep(inputs.Seed, (b*seqQ+i)*seqKV+j, inputs.DropoutP) {
				return keepScale
			}
			return 0
		}

		dropped := mat.NewDense(seqQ, seqKV, nil)
		for i := range seqQ {
			for j := range seqKV {
				dropped.Set(i, j, probs.At(i, j)*dropMask(i, j))
			}
		}

		// dV = Pd^T dO; dP = (dO V^T) * R.
		dV := mat.NewDense(seqKV, valueDim, grads.dValue[b*seqKV*valueDim:(b+1)*seqKV*valueDim])
		dV.Mul(dropped.T(), dOut)
		dP := mat.NewDense(seqQ, seqKV, nil)
		dP.Mul(dOut, v.T())
		for i := range seqQ {
			for j := range seqKV {
				dP.Set(i, j, dP.At(i, j)*dropMask(i, j))
			}
		}

		// Softmax backward: dS = scale * P * (dP - sum_j dP_j P_j).
		dS := mat.NewDense(seqQ, seqKV, nil)
		for i := range seqQ {
			rowDot := 0.0
			for j := range seqKV {
				rowDot += dP.At(i, j) * probs.At(i, j)
			}
			for j := range seqKV {
				dS.Set(i, j, scale*probs.At(i, j)*(dP.At(i, j)-rowDot))
			}
		}

		dQ := mat.NewDense(seqQ, featureDim, grads.dQuery[b*seqQ*featureDim:(b+1)*seqQ*featureDim])
		dQ.Mul(dS, k)
		dK := mat.NewDense(seqKV, featureDim, grads.dKey[b*seqKV*featureDim:(b+1)*seqKV*featureDim])
		dK.Mul(dS.T(), q)
	}
	return grads
}
