// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Capability holds the static support matrix of one kernel variant: which
// inputs it accepts and how close to the dense reference its results are.
//
// One Capability is created per variant at registration time and never
// mutated afterwards.
type Capability struct {
	// Name of the variant, unique within a Registry.
	Name string

	// Devices supported. If not listed, it's assumed false, hence not supported.
	Devices map[tensors.Device]bool

	// DTypes supported. If not listed, it's assumed false, hence not supported.
	DTypes map[dtypes.DType]bool

	// MaxFeatureDim is the ceiling on the query/key last-axis dimension.
	// Zero means unlimited.
	MaxFeatureDim int

	// BiasKinds supported. If not listed, it's assumed false, hence not supported.
	BiasKinds map[BiasKind]bool

	// SupportsDropout is whether the variant can apply attention dropout.
	SupportsDropout bool

	// SupportsCustomScale is whether the variant accepts a softmax scale
	// override instead of the default 1/sqrt(K).
	SupportsCustomScale bool

	// ForwardTolerance maps dtype to the numeric tolerance of the variant's
	// forward pass relative to the dense reference.
	ForwardTolerance map[dtypes.DType]Tolerance
}

// Supports reports whether the variant can handle the described inputs.
//
// Checks run cheapest-first (device, dtype, then shape and bias) and
// short-circuit on the first failure, returning a human-readable reason for
// it. It never panics nor errors: absence of support is a normal false.
func (c *Capability) Supports(desc InputDescriptor) (ok bool, reason string) {
	if !c.Devices[desc.Device] {
		return false, fmt.Sprintf("device %s not supported", desc.Device)
	}
	if !c.DTypes[desc.DType] {
		return false, fmt.Sprintf("dtype %s not supported", desc.DType)
	}
	if c.MaxFeatureDim > 0 && desc.FeatureDim > c.MaxFeatureDim {
		return false, fmt.Sprintf("feature dimension %d above maximum %d", desc.FeatureDim, c.MaxFeatureDim)
	}
	if !c.BiasKinds[desc.Bias] {
		return false, fmt.Sprintf("bias kind %q not supported", desc.Bias)
	}
	if desc.Dropout && !c.SupportsDropout {
		return false, "dropout not supported"
	}
	if desc.CustomScale && !c.SupportsCustomScale {
		return false, "custom scale not supported"
	}
	return true, ""
}

// Tolerance returns the forward tolerance of the variant for the given dtype,
// falling back to the strict default when the dtype has no entry.
func (c *Capability) Tolerance(dtype dtypes.DType) Tolerance {
	if tol, found := c.ForwardTolerance[dtype]; found {
		return tol
	}
	return DefaultTolerance
}
