// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotImplemented indicates a kernel lacks a specialization for the given
// configuration (e.g. a dtype it declared but has no fast path for).
// Kernels wrap this error so dispatch can distinguish "not supported" from
// genuine bugs.
var ErrNotImplemented = errors.New("kernel not implemented for this configuration")

// ErrKernelResourceExhausted indicates a fused kernel hit a resource limit
// (the scratch-memory ceiling standing in for hardware limits like register
// pressure). It never reaches callers: dispatch absorbs it by tripping the
// circuit Breaker and falling back to the dense variant.
var ErrKernelResourceExhausted = errors.New("kernel resource exhausted")

// VariantRejection records why one candidate variant could not serve a
// dispatch request.
type VariantRejection struct {
	Variant string
	Reason  string
}

// UnsupportedError is returned when no registered variant supports the input
// descriptor. It enumerates which constraint each candidate failed, to make
// debugging tractable. Recoverable: the caller can change inputs or request a
// different explicit variant.
type UnsupportedError struct {
	Descriptor InputDescriptor
	Rejections []VariantRejection
}

// Error implements the error interface.
func (e *UnsupportedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "no kernel variant supports inputs (%s):", e.Descriptor)
	if len(e.Rejections) == 0 {
		sb.WriteString(" no variants registered")
		return sb.String()
	}
	for _, r := range e.Rejections {
		fmt.Fprintf(&sb, "\n  %s: %s", r.Variant, r.Reason)
	}
	return sb.String()
}

// ContextMismatchError is returned when a backward pass is invoked with a
// Context produced by a different variant's forward pass. This is a fatal
// programming error: computing gradients from a foreign context would
// silently produce wrong numbers, so it fails loudly instead.
type ContextMismatchError struct {
	ContextVariant  string
	BackwardVariant string
}

// Error implements the error interface.
func (e *ContextMismatchError) Error() string {
	return fmt.Sprintf("context produced by variant %q passed to backward of variant %q: "+
		"forward and backward of one step must use the same variant",
		e.ContextVariant, e.BackwardVariant)
}
