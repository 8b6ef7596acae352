// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// RotaryEmbedding applies rotary position embeddings (RoPE) with the
// rotate-half convention: the feature vector is split in two halves and each
// pair (x1[i], x2[i]) is rotated by the position-dependent angle
// pos / base^(2i/dim).
type RotaryEmbedding struct {
	Dim  int
	Base float64 // Defaults to 10000 when zero.
}

// Apply rotates x (batch, seq, dim), with positions starting at offset.
func (r *RotaryEmbedding) Apply(x *tensors.Tensor, offset int) (*tensors.Tensor, error) {
	if r.Dim%2 != 0 {
		return nil, errors.Errorf("nn: rotary embedding dim must be even, got %d", r.Dim)
	}
	if x.Rank() != 3 || x.Shape().Dim(-1) != r.Dim {
		return nil, errors.Errorf("nn: rotary embedding wants (batch, seq, %d), got %s", r.Dim, x.Shape())
	}
	base := r.Base
	if base == 0 {
		base = 10000
	}
	batch := x.Shape().Dim(0)
	seq := x.Shape().Dim(1)
	half := r.Dim / 2

	values := x.Float64Values()
	for b := range batch {
		for pos := range seq {
			row := values[(b*seq+pos)*r.Dim : (b*seq+pos+1)*r.Dim]
			for i := range half {
				angle := float64(pos+offset) / math.Pow(base, 2*float64(i)/float64(r.Dim))
				sin, cos := math.Sincos(angle)
				x1, x2 := row[i], row[half+i]
				row[i] = x1*cos - x2*sin
				row[half+i] = x2*cos + x1*sin
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(values, batch, seq, r.Dim).ConvertTo(x.DType()), nil
}

// SinusoidalEmbedding returns the (seq, dim) fixed positional encoding of
// "Attention Is All You Need": sin on even features, cos on odd ones, with
// geometrically spaced wavelengths.
func SinusoidalEmbedding(seq, dim int) *tensors.Tensor {
	if dim%2 != 0 {
		exceptions.Panicf("nn.SinusoidalEmbedding: dim must be even, got %d", dim)
	}
	values := make([]float64, seq*dim)
	for pos := range seq {
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			values[pos*dim+i] = math.Sin(angle)
			values[pos*dim+i+1] = math.Cos(angle)
		}
	}
	return tensors.FromFlatDataAndDimensions(values, seq, dim)
}
