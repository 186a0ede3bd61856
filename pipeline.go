// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package kpipe orchestrates multi-stage GPU compute workloads. It
// reflects resource bindings out of kernel source text, cross-references
// them across the kernels of a pipeline, owns the backing GPU resources,
// and sequences the per-kernel bind/dispatch/barrier chain of one logical
// pipeline execution.
//
// The package is device-agnostic; all GPU work goes through the gpu.Device
// capability set. engine/wgpu_engine provides an implementation on wgpu.
package kpipe

import (
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"

	"honnef.co/go/kpipe/gpu"
	"honnef.co/go/kpipe/uniform"
)

// PushConstantPolicy decides what happens when a kernel declares a push
// constant but the dispatch batch carries no payload for its step.
type PushConstantPolicy int

const (
	// PushWarn logs the missing payload and dispatches anyway. The kernel
	// may read stale or zero push data.
	PushWarn PushConstantPolicy = iota
	// PushFail aborts the dispatch call with an error.
	PushFail
)

type options struct {
	log              *zap.Logger
	samplerOverrides map[uniform.Key]gpu.SamplerDesc
	pushPolicy       PushConstantPolicy
}

// Option configures NewPipeline.
type Option func(*options)

// WithLogger routes the pipeline's diagnostics to log instead of
// discarding them.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSamplerOverride replaces the default sampler configuration for one
// sampler binding, addressed by any form of its key.
func WithSamplerOverride(key uniform.Key, desc gpu.SamplerDesc) Option {
	return func(o *options) {
		if o.samplerOverrides == nil {
			o.samplerOverrides = make(map[uniform.Key]gpu.SamplerDesc)
		}
		o.samplerOverrides[key.ToCanonical()] = desc
	}
}

// WithPushConstantPolicy sets the policy for missing push-constant
// payloads. The default is PushWarn.
func WithPushConstantPolicy(p PushConstantPolicy) Option {
	return func(o *options) { o.pushPolicy = p }
}

// Pipeline drives an ordered chain of kernels over one fixed domain. It
// owns a ResourceManager but merely borrows its kernels; releasing the
// kernels is the caller's job. Not safe for concurrent use.
type Pipeline struct {
	dev        gpu.Device
	log        *zap.Logger
	kernels    []*Kernel
	domain     Domain
	analysis   *Analysis
	resources  *ResourceManager
	pushPolicy PushConstantPolicy
	dispatches uint64
}

// NewPipeline analyzes the kernel chain and allocates its resources. All
// kernels must have been compiled successfully; a released or otherwise
// invalid kernel fails construction.
func NewPipeline(dev gpu.Device, kernels []*Kernel, domain Domain, opts ...Option) (*Pipeline, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	if len(kernels) == 0 {
		return nil, fmt.Errorf("pipeline needs at least one kernel")
	}
	for _, k := range kernels {
		if k == nil || k.Pipeline == 0 {
			return nil, fmt.Errorf("pipeline includes an invalid kernel")
		}
	}

	an, err := Analyze(kernels, o.log)
	if err != nil {
		return nil, err
	}
	rm, err := newResourceManager(dev, an, domain, o.samplerOverrides, o.log)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		dev:        dev,
		log:        o.log,
		kernels:    kernels,
		domain:     domain.clamped(),
		analysis:   an,
		resources:  rm,
		pushPolicy: o.pushPolicy,
	}, nil
}

// Analysis exposes the merged binding view the pipeline was built from.
func (p *Pipeline) Analysis() *Analysis { return p.analysis }

// Resources exposes the pipeline's resource manager.
func (p *Pipeline) Resources() *ResourceManager { return p.resources }

// Dispatch runs the whole kernel chain once. It applies the update batch,
// records one command context, dispatches every kernel in order with a
// barrier between them, submits, and blocks until the GPU is done.
//
// Double-buffered bindings keep one orientation for the whole call: read
// bindings resolve to the half the previous call's writers produced, and
// the halves swap only after the submission completes. Push-constant
// payloads are addressed by uniform.PushKey(step), where step is the
// kernel's index in the chain. A kernel whose binding sets cannot be
// assembled is skipped with a diagnostic; the rest of the chain still
// runs.
func (p *Pipeline) Dispatch(data map[uniform.Key][]byte) error {
	if p.pushPolicy == PushFail {
		for i, k := range p.kernels {
			if k.HasPushConstant && len(data[uniform.PushKey(int32(i))]) == 0 {
				return fmt.Errorf("kernel %q (step %d) declares a push constant but no payload was supplied", k.Name, i)
			}
		}
	}

	p.resources.Update(data)

	enc, err := p.dev.Begin(fmt.Sprintf("dispatch %d", p.dispatches))
	if err != nil {
		return fmt.Errorf("opening command context: %w", err)
	}

	var transient []gpu.BindingSetHandle
	defer func() {
		for _, h := range transient {
			p.dev.DestroyBindingSet(h)
		}
	}()
	var flips []Flipper

	for i, k := range p.kernels {
		step := int32(i)
		sets, err := p.resources.BindingSets(k)
		if err != nil {
			p.log.Error("skipping kernel, binding sets incomplete",
				zap.String("kernel", k.Name),
				zap.Error(err))
			continue
		}

		bound := make(map[uint32]gpu.BindingSetHandle, len(sets))
		ok := true
		for _, set := range sortedSets(sets) {
			h, err := p.dev.CreateBindingSet(k.Pipeline, set, sets[set])
			if err != nil {
				p.log.Error("skipping kernel, binding set creation failed",
					zap.String("kernel", k.Name),
					zap.Uint32("set", set),
					zap.Error(err))
				ok = false
				break
			}
			transient = append(transient, h)
			bound[set] = h
		}
		if !ok {
			continue
		}

		enc.BindPipeline(k.Pipeline)
		for _, set := range sortedSets(sets) {
			enc.BindSet(set, bound[set])
		}

		if k.HasPushConstant {
			payload := data[uniform.PushKey(step)]
			if len(payload) == 0 {
				p.log.Warn("no push-constant payload for kernel, dispatching without upload",
					zap.String("kernel", k.Name),
					zap.Int32("step", step))
			} else {
				enc.PushConstants(payload)
			}
		}

		g := p.workgroups(k)
		enc.Dispatch(g[0], g[1], g[2])
		enc.Barrier()

		flips = append(flips, p.writtenFlippers(k)...)
	}

	if err := p.dev.Submit(enc); err != nil {
		return fmt.Errorf("submitting dispatch: %w", err)
	}
	for _, f := range flips {
		f.Flip()
	}
	p.dispatches++
	return nil
}

// writtenFlippers collects the double-buffered resources the kernel
// declared a write binding against, once each. The flips run only after
// the submission completes, so a reader in the same call sees the
// previous call's output and a kernel declaring both halves reads its own
// prior output.
func (p *Pipeline) writtenFlippers(k *Kernel) []Flipper {
	var out []Flipper
	seen := make(map[Resource]bool)
	for _, info := range sortedBindings(k.Uniforms) {
		if !info.Key.Role.Has(uniform.RoleWrite) || info.Key.Role.Has(uniform.RoleRead) {
			continue
		}
		res, ok := p.resources.Resource(info.Key)
		if !ok || seen[res] {
			continue
		}
		seen[res] = true
		if f, ok := res.(Flipper); ok {
			out = append(out, f)
		}
	}
	return out
}

func (p *Pipeline) workgroups(k *Kernel) [3]uint32 {
	return [3]uint32{
		ceilDiv(p.domain.Width, max(k.LocalSize[0], 1)),
		ceilDiv(p.domain.Height, max(k.LocalSize[1], 1)),
		ceilDiv(p.domain.Depth, max(k.LocalSize[2], 1)),
	}
}

func ceilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

func sortedSets(sets map[uint32][]gpu.BindingEntry) []uint32 {
	out := make([]uint32, 0, len(sets))
	for set := range sets {
		out = append(out, set)
	}
	slices.Sort(out)
	return out
}

// Stats reports how many dispatches ran and how the update dirty check
// fared over the pipeline's lifetime.
func (p *Pipeline) Stats() (dispatches, updatesApplied, updatesSkipped uint64) {
	return p.dispatches, p.resources.updatesApplied, p.resources.updatesSkipped
}

// Cleanup releases the pipeline's resources. The kernels are borrowed and
// stay alive. Idempotent.
func (p *Pipeline) Cleanup() {
	p.resources.Cleanup()
}
