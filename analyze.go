// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package kpipe

import (
	"fmt"

	"go.uber.org/zap"

	"honnef.co/go/kpipe/glsl"
	"honnef.co/go/kpipe/gpu"
	"honnef.co/go/kpipe/uniform"
)

// PingPongBinding pairs the read half and write half of one
// double-buffered binding.
type PingPongBinding struct {
	Read  *BindingInfo
	Write *BindingInfo
}

// Analysis is the merged view of all bindings across one pipeline's
// kernels. Bindings holds every declared binding keyed by its concrete
// key; the classification maps are keyed by canonical key and partition
// the bindings into the resource categories the resource manager
// allocates from.
type Analysis struct {
	Bindings  map[uniform.Key]*BindingInfo
	PingPongs map[uniform.Key]*PingPongBinding
	Samplers  map[uniform.Key]*BindingInfo
	Textures  map[uniform.Key]*BindingInfo
	Buffers   map[uniform.Key]*BindingInfo
	// Unclassified holds parsed bindings with no classification, such as
	// input attachments. They are never allocated or bound.
	Unclassified map[uniform.Key]*BindingInfo
	// MaxSlot is the highest binding slot seen, for debugging.
	MaxSlot uint32
}

// Analyze merges the binding maps of an ordered kernel chain, validates
// their consistency, detects ping-pong pairs, and classifies the rest.
// Consistency violations are reported but do not fail the analysis; the
// first-seen metadata wins.
func Analyze(kernels []*Kernel, log *zap.Logger) (*Analysis, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(kernels) == 0 {
		return nil, fmt.Errorf("cannot analyze an empty kernel chain")
	}

	an := &Analysis{
		Bindings:     make(map[uniform.Key]*BindingInfo),
		PingPongs:    make(map[uniform.Key]*PingPongBinding),
		Samplers:     make(map[uniform.Key]*BindingInfo),
		Textures:     make(map[uniform.Key]*BindingInfo),
		Buffers:      make(map[uniform.Key]*BindingInfo),
		Unclassified: make(map[uniform.Key]*BindingInfo),
	}

	var order []uniform.Key
	for _, k := range kernels {
		for _, info := range sortedBindings(k.Uniforms) {
			if info.Binding.Slot > an.MaxSlot {
				an.MaxSlot = info.Binding.Slot
			}
			existing, ok := an.Bindings[info.Key]
			if !ok {
				an.Bindings[info.Key] = &BindingInfo{
					Key:     info.Key,
					Binding: info.Binding,
					Kernels: []*Kernel{k},
				}
				order = append(order, info.Key)
				continue
			}
			if !consistent(existing.Binding, info.Binding) {
				log.Error("kernels declare inconsistent metadata for the same binding; first declaration wins",
					zap.Stringer("key", info.Key),
					zap.String("first kernel", existing.Kernels[0].Name),
					zap.String("kernel", k.Name),
					zap.String("declared", describeBinding(info.Binding)),
					zap.String("established", describeBinding(existing.Binding)))
			}
			existing.Kernels = append(existing.Kernels, k)
		}
	}

	paired := an.detectPingPongs(order, log)

	for _, key := range order {
		if paired[key] {
			continue
		}
		info := an.Bindings[key]
		ck := key.ToCanonical()
		var class map[uniform.Key]*BindingInfo
		switch info.Binding.Type {
		case gpu.TypeSampler:
			class = an.Samplers
		case gpu.TypeCombinedSampler, gpu.TypeTexture, gpu.TypeSamplerBuffer,
			gpu.TypeImage, gpu.TypeImageBuffer:
			class = an.Textures
		case gpu.TypeUniformBuffer, gpu.TypeStorageBuffer:
			class = an.Buffers
		default:
			// Input attachments (and anything else without a defined
			// classification) are parsed but deliberately left
			// unclassified; they are never allocated or bound.
			class = an.Unclassified
		}
		if prev, ok := class[ck]; ok {
			log.Warn("two bindings collapse to the same canonical key; keeping the first",
				zap.Stringer("canonical", ck),
				zap.Stringer("first", prev.Key),
				zap.Stringer("second", key))
			continue
		}
		class[ck] = info
	}

	return an, nil
}

// consistent reports whether two declarations of the same key agree on
// the metadata that must be stable across kernels: name, format,
// dimension, access, and array size. Set and slot may differ per kernel.
func consistent(a, b glsl.Binding) bool {
	return a.Name == b.Name &&
		a.Format == b.Format &&
		a.Dimension == b.Dimension &&
		a.Access == b.Access &&
		a.ArraySize == b.ArraySize
}

func describeBinding(b glsl.Binding) string {
	return fmt.Sprintf("%s %s %s %s set=%d binding=%d count=%d",
		b.Type, b.Name, b.Format, b.Dimension, b.Set, b.Slot, b.ArraySize)
}

// detectPingPongs pairs read-suffixed and write-suffixed bindings that
// share base name, format, dimensionality and set. It returns the set of
// concrete keys consumed by pairs. A base name declared by two different
// variants of the same role is a duplicate-binding error and excluded
// from pairing.
func (an *Analysis) detectPingPongs(order []uniform.Key, log *zap.Logger) map[uniform.Key]bool {
	reads := make(map[string]*BindingInfo)
	writes := make(map[string]*BindingInfo)
	excluded := make(map[string]bool)

	classify := func(m map[string]*BindingInfo, info *BindingInfo) {
		base := info.Key.Base
		if _, ok := m[base]; ok {
			log.Error("duplicate binding base name in one role; excluded from ping-pong pairing",
				zap.String("base", base),
				zap.Stringer("key", info.Key))
			excluded[base] = true
			return
		}
		m[base] = info
	}

	for _, key := range order {
		info := an.Bindings[key]
		switch {
		case key.Role.Has(uniform.RoleRead):
			classify(reads, info)
		case key.Role.Has(uniform.RoleWrite):
			classify(writes, info)
		}
	}

	paired := make(map[uniform.Key]bool)
	for _, key := range order {
		if !key.Role.Has(uniform.RoleRead) {
			continue
		}
		base := key.Base
		if excluded[base] {
			continue
		}
		r, w := reads[base], writes[base]
		if r == nil || w == nil {
			continue
		}
		if r.Binding.Format != w.Binding.Format ||
			r.Binding.Dimension != w.Binding.Dimension ||
			r.Binding.Set != w.Binding.Set {
			log.Warn("read/write bindings share a base name but mismatch; not paired",
				zap.String("base", base),
				zap.String("read", describeBinding(r.Binding)),
				zap.String("write", describeBinding(w.Binding)))
			continue
		}
		ck := r.Key.ToCanonical()
		ck.Role |= uniform.RoleFor(w.Binding.Type)
		an.PingPongs[ck] = &PingPongBinding{Read: r, Write: w}
		paired[r.Key] = true
		paired[w.Key] = true
	}
	return paired
}
