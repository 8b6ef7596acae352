// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForcedVariantRoundTrip(t *testing.T) {
	previous := ForcedVariant()
	defer SetForcedVariant(previous)

	SetForcedVariant("dense")
	assert.Equal(t, "dense", ForcedVariant())
	SetForcedVariant("")
	assert.Empty(t, ForcedVariant())
}

func TestScratchLimitRoundTrip(t *testing.T) {
	previous := ScratchLimit()
	defer SetScratchLimit(previous)

	SetScratchLimit(1 << 10)
	assert.Equal(t, uintptr(1<<10), ScratchLimit())

	// Zero restores the default.
	SetScratchLimit(0)
	assert.Equal(t, uintptr(DefaultScratchLimit), ScratchLimit())
}
