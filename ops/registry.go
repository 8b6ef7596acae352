// Copyright 2025-2026 The XForm Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Variant is the common surface of a concrete kernel implementation, enough
// for the dispatcher to reason about it. Operator packages (ops/fmha,
// ops/swiglu) extend it with their Forward/Backward contracts.
type Variant interface {
	// Name of the variant, unique within a registry.
	Name() string

	// Capability describes the variant's static support matrix.
	Capability() *Capability
}

// Registry holds the kernel variants of one operator in fixed priority order:
// most specialized/fastest first, the dense reference fallback last.
//
// A Registry is constructed once, explicitly, and passed by reference to the
// dispatch entry points; registration after dispatch starts is not supported.
// Reads are lock-free, so a Registry may serve concurrent dispatches.
type Registry[V Variant] struct {
	variants []V
	byName   map[string]V
	breaker  *Breaker
}

// NewRegistry creates an empty registry using the process-wide kernel
// Breaker.
func NewRegistry[V Variant]() *Registry[V] {
	return NewRegistryWithBreaker[V](KernelBreaker)
}

// NewRegistryWithBreaker creates an empty registry with a specific circuit
// breaker -- tests use a private breaker to avoid cross-test state.
func NewRegistryWithBreaker[V Variant](breaker *Breaker) *Registry[V] {
	return &Registry[V]{byName: make(map[string]V), breaker: breaker}
}

// Register appends a variant at the end of the priority order. It panics on a
// duplicate name or an invalid capability -- registration happens during
// setup, where failing loudly beats limping along.
func (r *Registry[V]) Register(v V) *Registry[V] {
	capability := v.Capability()
	if capability == nil || capability.Name == "" {
		exceptions.Panicf("ops.Register: variant %T has no capability descriptor", v)
	}
	if capability.Name != v.Name() {
		exceptions.Panicf("ops.Register: variant name %q != capability name %q", v.Name(), capability.Name)
	}
	if _, found := r.byName[v.Name()]; found {
		exceptions.Panicf("ops.Register: variant %q registered twice", v.Name())
	}
	r.variants = append(r.variants, v)
	r.byName[v.Name()] = v
	return r
}

// Variants returns the registered variants in priority order.
func (r *Registry[V]) Variants() []V {
	return slices.Clone(r.variants)
}

// Get returns the variant registered under name.
func (r *Registry[V]) Get(name string) (v V, found bool) {
	v, found = r.byName[name]
	return
}

// Breaker returns the circuit breaker consulted by this registry.
func (r *Registry[V]) Breaker() *Breaker { return r.breaker }

// Select picks the variant serving the descriptor.
//
// If explicit is non-empty, that variant is used -- but its support is still
// verified, failing fast with an UnsupportedError rather than letting an
// unsupported kernel produce silently wrong results.
//
// Otherwise variants are tried in priority order and the first supporting one
// wins; variants disabled by the circuit breaker are skipped. When nothing
// matches, the UnsupportedError lists every candidate's failing constraint.
func (r *Registry[V]) Select(desc InputDescriptor, explicit string) (V, error) {
	var zero V
	if explicit == "" {
		explicit = ForcedVariant()
	}
	if explicit != "" {
		v, found := r.byName[explicit]
		if !found {
			return zero, &UnsupportedError{
				Descriptor: desc,
				Rejections: []VariantRejection{{Variant: explicit, Reason: "not registered"}},
			}
		}
		if ok, reason := v.Capability().Supports(desc); !ok {
			return zero, &UnsupportedError{
				Descriptor: desc,
				Rejections: []VariantRejection{{Variant: explicit, Reason: reason}},
			}
		}
		return v, nil
	}

	rejections := make([]VariantRejection, 0, len(r.variants))
	for _, v := range r.variants {
		if r.breaker.Tripped(v.Name()) {
			rejections = append(rejections, VariantRejection{
				Variant: v.Name(), Reason: "disabled after resource exhaustion"})
			continue
		}
		if ok, reason := v.Capability().Supports(desc); !ok {
			rejections = append(rejections, VariantRejection{Variant: v.Name(), Reason: reason})
			continue
		}
		klog.V(2).Infof("dispatch: selected kernel %q for (%s)", v.Name(), desc)
		return v, nil
	}
	return zero, &UnsupportedError{Descriptor: desc, Rejections: rejections}
}
