// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/exceptions"
)

// Additive attention masks: a masked position holds -Inf, a visible one 0,
// so the mask can be added to the pre-softmax scores.

// CausalMask returns the (seqQ, seqKV) additive mask where query i sees key
// j only when j <= i.
func CausalMask(seqQ, seqKV int) *tensors.Tensor {
	values := make([]float64, seqQ*seqKV)
	for i := range seqQ {
		for j := i + 1; j < seqKV; j++ {
			values[i*seqKV+j] = math.Inf(-1)
		}
	}
	return tensors.FromFlatDataAndDimensions(values, seqQ, seqKV)
}

// LocalMask returns the (seq, seq) additive sliding-window mask. A causal
// window lets query i see keys [i-window+1, i]; a symmetric window requires
// an odd window width and lets it see [i-window/2, i+window/2].
func LocalMask(seq, window int, causal bool) *tensors.Tensor {
	if window <= 0 {
		exceptions.Panicf("nn.LocalMask: window must be positive, got %d", window)
	}
	if !causal && window%2 == 0 {
		exceptions.Panicf("nn.LocalMask: symmetric window must be odd, got %d", window)
	}
	values := make([]float64, seq*seq)
	for i := range seq {
		lo, hi := i-window+1, i
		if !causal {
			lo, hi = i-window/2, i+window/2
		}
		for j := range seq {
			if j < lo || j > hi {
				values[i*seq+j] = math.Inf(-1)
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(values, seq, seq)
}
