// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package kpipe

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"honnef.co/go/kpipe/glsl"
	"honnef.co/go/kpipe/gpu"
	"honnef.co/go/kpipe/uniform"
)

// BindingInfo is the declared shape of one binding plus the pipeline
// kernels that reference it. It is created once per distinct key during
// analysis and mutated only to record additional kernel references.
type BindingInfo struct {
	Key     uniform.Key
	Binding glsl.Binding
	// Kernels lists the kernels declaring this binding, in pipeline
	// order. Filled by Analyze; nil on a kernel's own binding map.
	Kernels []*Kernel
}

// Kernel is one compiled compute kernel. It owns its shader and pipeline
// handles until Release and is immutable after construction.
type Kernel struct {
	Name            string
	Path            string
	Shader          gpu.ShaderHandle
	Pipeline        gpu.PipelineHandle
	HasPushConstant bool
	LocalSize       [3]uint32
	Uniforms        map[uniform.Key]*BindingInfo
}

// CompileKernel reflects one kernel source, compiles it on the device, and
// builds its compute pipeline. Bindings whose names fail key validation
// are dropped with a diagnostic; compilation failures are fatal to the
// kernel but leave the device in a consistent state.
func CompileKernel(dev gpu.Device, name, path string, source []byte, log *zap.Logger) (*Kernel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("kernel", name), zap.String("path", path))

	res := glsl.Reflect(source, log)
	uniforms := make(map[uniform.Key]*BindingInfo, len(res.Bindings))
	for _, b := range res.Bindings {
		key, err := uniform.Parse(b.Name, b.Type)
		if err != nil {
			log.Error("unusable binding key",
				zap.String("binding", b.Name),
				zap.Error(err))
			continue
		}
		if _, ok := uniforms[key]; ok {
			log.Error("kernel declares the same binding key twice",
				zap.Stringer("key", key))
			continue
		}
		uniforms[key] = &BindingInfo{Key: key, Binding: b}
	}

	shader, err := dev.CompileKernel(name, source)
	if err != nil {
		return nil, fmt.Errorf("compiling kernel %q: %w", name, err)
	}
	pipeline, err := dev.CreateComputePipeline(name, shader, setLayouts(uniforms), res.HasPushConstant)
	if err != nil {
		dev.DestroyShader(shader)
		return nil, fmt.Errorf("building compute pipeline for kernel %q: %w", name, err)
	}

	return &Kernel{
		Name:            name,
		Path:            path,
		Shader:          shader,
		Pipeline:        pipeline,
		HasPushConstant: res.HasPushConstant,
		LocalSize:       res.LocalSize,
		Uniforms:        uniforms,
	}, nil
}

// Release frees the kernel's shader and pipeline handles. The kernel must
// not be dispatched afterwards.
func (k *Kernel) Release(dev gpu.Device) {
	if k.Pipeline != 0 {
		dev.DestroyPipeline(k.Pipeline)
		k.Pipeline = 0
	}
	if k.Shader != 0 {
		dev.DestroyShader(k.Shader)
		k.Shader = 0
	}
}

// sortedBindings returns the kernel's bindings ordered by (set, slot),
// the order binding sets are assembled in.
func sortedBindings(uniforms map[uniform.Key]*BindingInfo) []*BindingInfo {
	infos := make([]*BindingInfo, 0, len(uniforms))
	for _, info := range uniforms {
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b *BindingInfo) int {
		if a.Binding.Set != b.Binding.Set {
			return int(a.Binding.Set) - int(b.Binding.Set)
		}
		return int(a.Binding.Slot) - int(b.Binding.Slot)
	})
	return infos
}

func setLayouts(uniforms map[uniform.Key]*BindingInfo) []gpu.SetLayout {
	var layouts []gpu.SetLayout
	for _, info := range sortedBindings(uniforms) {
		b := info.Binding
		if len(layouts) == 0 || layouts[len(layouts)-1].Set != b.Set {
			layouts = append(layouts, gpu.SetLayout{Set: b.Set})
		}
		l := &layouts[len(layouts)-1]
		l.Bindings = append(l.Bindings, gpu.BindingLayout{
			Slot:      b.Slot,
			Type:      b.Type,
			Format:    b.Format,
			Dimension: b.Dimension,
			Access:    b.Access,
			Count:     b.ArraySize,
		})
	}
	return layouts
}
