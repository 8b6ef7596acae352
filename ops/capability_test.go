// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/Tianxuandu/xform/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
)

func testCapability() *Capability {
	return &Capability{
		Name:    "test",
		Devices: map[tensors.Device]bool{tensors.CPU: true},
		DTypes: map[dtypes.DType]bool{
			dtypes.Float32: true,
			dtypes.Float16: true,
		},
		MaxFeatureDim:       128,
		BiasKinds:           map[BiasKind]bool{BiasNone: true, BiasCausal: true},
		SupportsDropout:     false,
		SupportsCustomScale: true,
	}
}

func testDescriptor() InputDescriptor {
	return InputDescriptor{
		Device:     tensors.CPU,
		DType:      dtypes.Float32,
		Batch:      2,
		SeqQ:       16,
		SeqKV:      16,
		FeatureDim: 64,
		Bias:       BiasNone,
	}
}

func TestSupports(t *testing.T) {
	capability := testCapability()

	tests := []struct {
		name       string
		mutate     func(*InputDescriptor)
		wantOk     bool
		wantReason string
	}{
		{"supported", func(d *InputDescriptor) {}, true, ""},
		{"wrong device", func(d *InputDescriptor) { d.Device = tensors.CUDA },
			false, "device cuda not supported"},
		{"wrong dtype", func(d *InputDescriptor) { d.DType = dtypes.Float64 },
			false, "dtype Float64 not supported"},
		{"feature dim at ceiling", func(d *InputDescriptor) { d.FeatureDim = 128 }, true, ""},
		{"feature dim above ceiling", func(d *InputDescriptor) { d.FeatureDim = 129 },
			false, "feature dimension 129 above maximum 128"},
		{"causal bias ok", func(d *InputDescriptor) { d.Bias = BiasCausal }, true, ""},
		{"dense bias rejected", func(d *InputDescriptor) { d.Bias = BiasDense },
			false, `bias kind "dense" not supported`},
		{"dropout rejected", func(d *InputDescriptor) { d.Dropout = true },
			false, "dropout not supported"},
		{"custom scale ok", func(d *InputDescriptor) { d.CustomScale = true }, true, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			desc := testDescriptor()
			test.mutate(&desc)
			ok, reason := capability.Supports(desc)
			assert.Equal(t, test.wantOk, ok)
			assert.Equal(t, test.wantReason, reason)
		})
	}
}

func TestSupportsChecksDeviceBeforeShape(t *testing.T) {
	// Cheap checks run first: a descriptor failing both device and feature
	// dim must be rejected for the device.
	capability := testCapability()
	desc := testDescriptor()
	desc.Device = tensors.CUDA
	desc.FeatureDim = 1024
	_, reason := capability.Supports(desc)
	assert.Equal(t, "device cuda not supported", reason)
}

func TestUnlimitedFeatureDim(t *testing.T) {
	capability := testCapability()
	capability.MaxFeatureDim = 0
	desc := testDescriptor()
	desc.FeatureDim = 1 << 20
	ok, _ := capability.Supports(desc)
	assert.True(t, ok)
}

func TestCapabilityTolerance(t *testing.T) {
	capability := testCapability()
	capability.ForwardTolerance = map[dtypes.DType]Tolerance{
		dtypes.Float16: {Atol: 1e-2, Rtol: 1e-2},
	}
	assert.Equal(t, Tolerance{Atol: 1e-2, Rtol: 1e-2}, capability.Tolerance(dtypes.Float16))
	assert.Equal(t, DefaultTolerance, capability.Tolerance(dtypes.Float32))
}
