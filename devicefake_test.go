// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package kpipe

import (
	"fmt"
	"maps"
	"slices"

	"honnef.co/go/kpipe/gpu"
)

// fakeDevice records every device interaction so tests can assert on
// resource lifecycles and submitted command sequences.
type fakeDevice struct {
	next uint64

	shaders     map[gpu.ShaderHandle]string
	pipelines   map[gpu.PipelineHandle]fakePipeline
	textures    map[gpu.TextureHandle]gpu.TextureDesc
	buffers     map[gpu.BufferHandle]gpu.BufferDesc
	samplers    map[gpu.SamplerHandle]gpu.SamplerDesc
	bindingSets map[gpu.BindingSetHandle]fakeBindingSet
	// allBindingSets survives destruction so tests can inspect the sets
	// bound by past dispatches.
	allBindingSets map[gpu.BindingSetHandle]fakeBindingSet

	textureWrites     map[gpu.TextureHandle][][]byte
	bufferWrites      map[gpu.BufferHandle][][]byte
	destroyedBuffers  []gpu.BufferHandle
	destroyedTextures []gpu.TextureHandle

	submissions  []fakeSubmission
	openEncoders int

	failPipeline bool
}

type fakePipeline struct {
	name    string
	shader  gpu.ShaderHandle
	layout  []gpu.SetLayout
	hasPush bool
}

type fakeBindingSet struct {
	pipeline gpu.PipelineHandle
	set      uint32
	entries  []gpu.BindingEntry
}

type fakeDispatch struct {
	pipeline gpu.PipelineHandle
	sets     map[uint32]gpu.BindingSetHandle
	push     []byte
	groups   [3]uint32
}

type fakeSubmission struct {
	label      string
	dispatches []fakeDispatch
	barriers   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		shaders:        make(map[gpu.ShaderHandle]string),
		pipelines:      make(map[gpu.PipelineHandle]fakePipeline),
		textures:       make(map[gpu.TextureHandle]gpu.TextureDesc),
		buffers:        make(map[gpu.BufferHandle]gpu.BufferDesc),
		samplers:       make(map[gpu.SamplerHandle]gpu.SamplerDesc),
		bindingSets:    make(map[gpu.BindingSetHandle]fakeBindingSet),
		allBindingSets: make(map[gpu.BindingSetHandle]fakeBindingSet),
		textureWrites:  make(map[gpu.TextureHandle][][]byte),
		bufferWrites:   make(map[gpu.BufferHandle][][]byte),
	}
}

func (d *fakeDevice) handle() uint64 {
	d.next++
	return d.next
}

func (d *fakeDevice) CompileKernel(name string, source []byte) (gpu.ShaderHandle, error) {
	h := gpu.ShaderHandle(d.handle())
	d.shaders[h] = name
	return h, nil
}

func (d *fakeDevice) CreateComputePipeline(name string, shader gpu.ShaderHandle, layout []gpu.SetLayout, hasPush bool) (gpu.PipelineHandle, error) {
	if d.failPipeline {
		return 0, fmt.Errorf("pipeline creation forced to fail")
	}
	h := gpu.PipelineHandle(d.handle())
	d.pipelines[h] = fakePipeline{name: name, shader: shader, layout: layout, hasPush: hasPush}
	return h, nil
}

func (d *fakeDevice) DestroyShader(h gpu.ShaderHandle)     { delete(d.shaders, h) }
func (d *fakeDevice) DestroyPipeline(h gpu.PipelineHandle) { delete(d.pipelines, h) }

func (d *fakeDevice) CreateTexture(desc gpu.TextureDesc) (gpu.TextureHandle, error) {
	h := gpu.TextureHandle(d.handle())
	d.textures[h] = desc
	return h, nil
}

func (d *fakeDevice) WriteTexture(h gpu.TextureHandle, data []byte) error {
	if _, ok := d.textures[h]; !ok {
		return fmt.Errorf("write to unknown texture %d", h)
	}
	d.textureWrites[h] = append(d.textureWrites[h], slices.Clone(data))
	return nil
}

func (d *fakeDevice) DestroyTexture(h gpu.TextureHandle) {
	delete(d.textures, h)
	d.destroyedTextures = append(d.destroyedTextures, h)
}

func (d *fakeDevice) CreateBuffer(desc gpu.BufferDesc) (gpu.BufferHandle, error) {
	h := gpu.BufferHandle(d.handle())
	d.buffers[h] = desc
	return h, nil
}

func (d *fakeDevice) WriteBuffer(h gpu.BufferHandle, data []byte) error {
	if _, ok := d.buffers[h]; !ok {
		return fmt.Errorf("write to unknown buffer %d", h)
	}
	d.bufferWrites[h] = append(d.bufferWrites[h], slices.Clone(data))
	return nil
}

func (d *fakeDevice) DestroyBuffer(h gpu.BufferHandle) {
	delete(d.buffers, h)
	d.destroyedBuffers = append(d.destroyedBuffers, h)
}

func (d *fakeDevice) CreateSampler(desc gpu.SamplerDesc) (gpu.SamplerHandle, error) {
	h := gpu.SamplerHandle(d.handle())
	d.samplers[h] = desc
	return h, nil
}

func (d *fakeDevice) DestroySampler(h gpu.SamplerHandle) { delete(d.samplers, h) }

func (d *fakeDevice) CreateBindingSet(p gpu.PipelineHandle, set uint32, entries []gpu.BindingEntry) (gpu.BindingSetHandle, error) {
	h := gpu.BindingSetHandle(d.handle())
	bs := fakeBindingSet{pipeline: p, set: set, entries: slices.Clone(entries)}
	d.bindingSets[h] = bs
	d.allBindingSets[h] = bs
	return h, nil
}

func (d *fakeDevice) DestroyBindingSet(h gpu.BindingSetHandle) { delete(d.bindingSets, h) }

type fakeEncoder struct {
	dev *fakeDevice
	sub fakeSubmission

	pipeline gpu.PipelineHandle
	sets     map[uint32]gpu.BindingSetHandle
	push     []byte
}

func (d *fakeDevice) Begin(label string) (gpu.Encoder, error) {
	d.openEncoders++
	return &fakeEncoder{dev: d, sub: fakeSubmission{label: label}}, nil
}

func (e *fakeEncoder) BindPipeline(p gpu.PipelineHandle) {
	e.pipeline = p
	e.sets = make(map[uint32]gpu.BindingSetHandle)
	e.push = nil
}

func (e *fakeEncoder) BindSet(set uint32, h gpu.BindingSetHandle) {
	e.sets[set] = h
}

func (e *fakeEncoder) PushConstants(data []byte) {
	e.push = slices.Clone(data)
}

func (e *fakeEncoder) Dispatch(x, y, z uint32) {
	e.sub.dispatches = append(e.sub.dispatches, fakeDispatch{
		pipeline: e.pipeline,
		sets:     maps.Clone(e.sets),
		push:     e.push,
		groups:   [3]uint32{x, y, z},
	})
	e.push = nil
}

func (e *fakeEncoder) Barrier() {
	e.sub.barriers++
}

func (d *fakeDevice) Submit(enc gpu.Encoder) error {
	e := enc.(*fakeEncoder)
	d.openEncoders--
	d.submissions = append(d.submissions, e.sub)
	return nil
}

// boundResources resolves one dispatch's binding set to its resource
// handles, keyed by slot, with array entries in order.
func (d *fakeDevice) boundResources(disp fakeDispatch, set uint32) map[uint32][]gpu.ResourceHandle {
	out := make(map[uint32][]gpu.ResourceHandle)
	bs, ok := d.allBindingSets[disp.sets[set]]
	if !ok {
		return out
	}
	for _, e := range bs.entries {
		out[e.Slot] = append(out[e.Slot], e.Resource)
	}
	return out
}

var _ gpu.Device = (*fakeDevice)(nil)
