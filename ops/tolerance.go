// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tolerance is an (absolute, relative) numeric tolerance pair. A value x is
// accepted as matching a reference r when |x - r| <= Atol + Rtol*|r|.
type Tolerance struct {
	Atol, Rtol float64
}

// DefaultTolerance is the strict tolerance used when a capability has no
// entry for a dtype: appropriate for full-precision computations.
var DefaultTolerance = Tolerance{Atol: 1e-8, Rtol: 1e-5}

// Check verifies that out matches ref within the tolerance, element-wise.
// Shapes must have equal dimensions (dtypes may differ -- ref is typically
// float64). On failure the error reports the worst-offending element.
func (t Tolerance) Check(out, ref *tensors.Tensor) error {
	if !out.Shape().EqualDimensions(ref.Shape()) {
		return errors.Errorf("tolerance check: shape mismatch, out=%s vs ref=%s", out.Shape(), ref.Shape())
	}
	outValues := out.Float64Values()
	refValues := ref.Float64Values()
	worst := -1
	worstExcess := 0.0
	for i, got := range outValues {
		want := refValues[i]
		if math.IsNaN(got) || math.IsInf(got, 0) {
			return errors.Errorf("tolerance check: out[%d]=%v is not finite (ref=%v)", i, got, want)
		}
		excess := math.Abs(got-want) - t.Atol - t.Rtol*math.Abs(want)
		if excess > worstExcess {
			worstExcess = excess
			worst = i
		}
	}
	if worst >= 0 {
		return errors.Errorf("tolerance check: out[%d]=%v vs ref[%d]=%v exceeds atol=%g rtol=%g by %g",
			worst, outValues[worst], worst, refValues[worst], t.Atol, t.Rtol, worstExcess)
	}
	return nil
}

// Backward-tolerance accumulation law constants, per dtype.
//
// Fused kernels accumulate the softmax normalization in a different order
// than the dense reference, so backward error grows with the amount of
// accumulation: linearly in feature-dim x key-length (the dot products and
// the dV/dK reductions) and with sqrt(query-length) (the random-walk of
// rounding errors across independent rows feeding dK/dV). This is a property
// of floating-point accumulation order, so it is encoded here once rather
// than hard-coded per test case.
var backwardBase = map[dtypes.DType]Tolerance{
	dtypes.Float64:  {Atol: 1e-5, Rtol: 1e-5},
	dtypes.Float32:  {Atol: 2e-4, Rtol: 1e-4},
	dtypes.Float16:  {Atol: 4e-2, Rtol: 2e-2},
	dtypes.BFloat16: {Atol: 0.5, Rtol: 0.1},
}

// BackwardTolerance returns the gradient tolerance versus the dense reference
// for the given dtype and problem size (query length, key length and feature
// dimension), applying the accumulation-error scaling law.
func BackwardTolerance(dtype dtypes.DType, seqQ, seqKV, featureDim int) Tolerance {
	tol, found := backwardBase[dtype]
	if !found {
		tol = DefaultTolerance
	}
	switch dtype {
	case dtypes.Float32, dtypes.Float64:
		// Accumulation term: grows with K*Mkv and with sqrt(Mq).
		tol.Atol += 2e-6 * float64(featureDim) * float64(seqKV) * math.Sqrt(float64(seqQ))
	case dtypes.Float16:
		// Longer query sequences mean more iterations and accumulated error.
		tol.Atol *= float64((127 + seqQ) / 128)
	}
	return tol
}
