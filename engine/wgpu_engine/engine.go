// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package wgpu_engine implements the gpu.Device capability set on wgpu.
//
// wgpu has no push constants in its core feature set; pipelines that
// declare one get an extra trailing bind group holding a small uniform
// buffer, and PushConstants stages its payload through a queue write.
// Kernel sources are expected in WGSL; GLSL kernels are translated
// offline (see internal/cmd/compile-kernels) and provided via
// Options.Shaders.
package wgpu_engine

import (
	"fmt"
	"io/fs"
	"slices"

	"go.uber.org/zap"
	"honnef.co/go/wgpu"

	"honnef.co/go/kpipe/gpu"
)

// maxPushSize is the size of the uniform buffer backing an emulated push
// constant. Vulkan guarantees at least 128 bytes of push space; we double
// it since we are a buffer anyway.
const maxPushSize = 256

// placeholderBufferSize backs zero-sized buffer requests. Zero-sized
// buffers cannot be bound.
const placeholderBufferSize = 16

type Options struct {
	// Shaders provides offline-translated WGSL, looked up as
	// "<kernel name>.wgsl". Kernels without a translation are assumed to
	// already be WGSL.
	Shaders fs.FS
	// EnableTiming records GPU timestamps around every dispatch. Timings
	// of the last submission are available from Engine.Timings.
	EnableTiming bool
}

type Engine struct {
	dev   *wgpu.Device
	queue *wgpu.Queue
	log   *zap.Logger
	opts  Options

	next       uint64
	shaders    map[gpu.ShaderHandle]*shaderEntry
	pipelines  map[gpu.PipelineHandle]*pipelineEntry
	textures   map[gpu.TextureHandle]*textureEntry
	buffers    map[gpu.BufferHandle]*wgpu.Buffer
	samplers   map[gpu.SamplerHandle]*wgpu.Sampler
	bindGroups map[gpu.BindingSetHandle]*wgpu.BindGroup

	// fenceSrc/fenceDst implement the blocking wait in Submit: a 4-byte
	// copy recorded at the end of every command buffer, then a map of the
	// destination, which cannot complete before the copy does.
	fenceSrc *wgpu.Buffer
	fenceDst *wgpu.Buffer

	profiler *profiler
}

type shaderEntry struct {
	name   string
	module *wgpu.ShaderModule
}

type textureEntry struct {
	texture *wgpu.Texture
	view    *wgpu.TextureView
	desc    gpu.TextureDesc
	format  wgpu.TextureFormat
}

type pushState struct {
	buf   *wgpu.Buffer
	group *wgpu.BindGroup
	index int
}

type pipelineEntry struct {
	name         string
	pipeline     *wgpu.ComputePipeline
	groupLayouts []*wgpu.BindGroupLayout
	// groupIndex maps declared descriptor-set numbers to dense bind group
	// indices; wgpu requires groups 0..n with no holes.
	groupIndex map[uint32]int
	push       *pushState
}

var _ gpu.Device = (*Engine)(nil)

func New(dev *wgpu.Device, queue *wgpu.Queue, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	eng := &Engine{
		dev:        dev,
		queue:      queue,
		log:        log,
		opts:       opts,
		shaders:    make(map[gpu.ShaderHandle]*shaderEntry),
		pipelines:  make(map[gpu.PipelineHandle]*pipelineEntry),
		textures:   make(map[gpu.TextureHandle]*textureEntry),
		buffers:    make(map[gpu.BufferHandle]*wgpu.Buffer),
		samplers:   make(map[gpu.SamplerHandle]*wgpu.Sampler),
		bindGroups: make(map[gpu.BindingSetHandle]*wgpu.BindGroup),
	}
	eng.fenceSrc = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fence src",
		Size:  4,
		Usage: wgpu.BufferUsageCopySrc,
	})
	eng.fenceDst = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "fence dst",
		Size:  4,
		Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
	})
	if opts.EnableTiming {
		eng.profiler = newProfiler(dev)
	}
	return eng
}

func (eng *Engine) handle() uint64 {
	eng.next++
	return eng.next
}

func (eng *Engine) CompileKernel(name string, source []byte) (gpu.ShaderHandle, error) {
	if eng.opts.Shaders != nil {
		if wgsl, err := fs.ReadFile(eng.opts.Shaders, name+".wgsl"); err == nil {
			source = wgsl
		} else {
			eng.log.Debug("no translated WGSL for kernel, assuming source is WGSL",
				zap.String("kernel", name))
		}
	}
	module := eng.dev.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  name,
		Source: wgpu.ShaderSourceWGSL(source),
	})
	h := gpu.ShaderHandle(eng.handle())
	eng.shaders[h] = &shaderEntry{name: name, module: module}
	return h, nil
}

func (eng *Engine) CreateComputePipeline(name string, shader gpu.ShaderHandle, layout []gpu.SetLayout, hasPush bool) (gpu.PipelineHandle, error) {
	sh, ok := eng.shaders[shader]
	if !ok {
		panic(fmt.Sprintf("use of unknown shader handle %d", shader))
	}

	pe := &pipelineEntry{
		name:       name,
		groupIndex: make(map[uint32]int, len(layout)),
	}
	for _, set := range layout {
		entries := make([]wgpu.BindGroupLayoutEntry, len(set.Bindings))
		for i, b := range set.Bindings {
			entry, err := bindingLayoutEntry(b)
			if err != nil {
				releaseLayouts(pe.groupLayouts)
				return 0, fmt.Errorf("pipeline %q, set %d, binding %d: %w", name, set.Set, b.Slot, err)
			}
			entries[i] = entry
		}
		pe.groupIndex[set.Set] = len(pe.groupLayouts)
		pe.groupLayouts = append(pe.groupLayouts, eng.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s set %d", name, set.Set),
			Entries: entries,
		}))
	}

	if hasPush {
		pushLayout := eng.dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
			Label: name + " push",
			Entries: []wgpu.BindGroupLayoutEntry{
				{
					Binding:    0,
					Visibility: wgpu.ShaderStageCompute,
					Buffer: &wgpu.BufferBindingLayout{
						Type: wgpu.BufferBindingTypeUniform,
					},
				},
			},
		})
		pushBuf := eng.dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: name + " push",
			Size:  maxPushSize,
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		pushGroup := eng.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  name + " push",
			Layout: pushLayout,
			Entries: []wgpu.BindGroupEntry{
				{
					Binding: 0,
					Buffer:  pushBuf,
					Size:    ^uint64(0),
				},
			},
		})
		pe.push = &pushState{
			buf:   pushBuf,
			group: pushGroup,
			index: len(pe.groupLayouts),
		}
		pe.groupLayouts = append(pe.groupLayouts, pushLayout)
	}

	pipelineLayout := eng.dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            name,
		BindGroupLayouts: pe.groupLayouts,
	})
	pe.pipeline = eng.dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  name,
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     sh.module,
			EntryPoint: "main",
		},
	})
	pipelineLayout.Release()

	h := gpu.PipelineHandle(eng.handle())
	eng.pipelines[h] = pe
	return h, nil
}

func releaseLayouts(layouts []*wgpu.BindGroupLayout) {
	for _, l := range layouts {
		l.Release()
	}
}

func bindingLayoutEntry(b gpu.BindingLayout) (wgpu.BindGroupLayoutEntry, error) {
	if b.Count > 1 {
		return wgpu.BindGroupLayoutEntry{}, fmt.Errorf("array bindings are not supported on wgpu")
	}
	entry := wgpu.BindGroupLayoutEntry{
		Binding:    b.Slot,
		Visibility: wgpu.ShaderStageCompute,
	}
	switch b.Type {
	case gpu.TypeSampler:
		entry.Sampler = &wgpu.SamplerBindingLayout{
			Type: wgpu.SamplerBindingTypeFiltering,
		}
	case gpu.TypeTexture:
		dim, err := viewDimensionToWGPU(b.Dimension)
		if err != nil {
			return wgpu.BindGroupLayoutEntry{}, err
		}
		entry.Texture = &wgpu.TextureBindingLayout{
			SampleType:    wgpu.TextureSampleTypeFloat,
			ViewDimension: dim,
		}
	case gpu.TypeImage:
		format, err := formatToWGPU(b.Format)
		if err != nil {
			return wgpu.BindGroupLayoutEntry{}, err
		}
		dim, err := viewDimensionToWGPU(b.Dimension)
		if err != nil {
			return wgpu.BindGroupLayoutEntry{}, err
		}
		var access wgpu.StorageTextureAccess
		switch b.Access {
		case gpu.AccessReadOnly:
			access = wgpu.StorageTextureAccessReadOnly
		case gpu.AccessWriteOnly:
			access = wgpu.StorageTextureAccessWriteOnly
		default:
			access = wgpu.StorageTextureAccessReadWrite
		}
		entry.StorageTexture = &wgpu.StorageTextureBindingLayout{
			Access:        access,
			Format:        format,
			ViewDimension: dim,
		}
	case gpu.TypeUniformBuffer:
		entry.Buffer = &wgpu.BufferBindingLayout{
			Type: wgpu.BufferBindingTypeUniform,
		}
	case gpu.TypeStorageBuffer:
		typ := wgpu.BufferBindingTypeStorage
		if b.Access == gpu.AccessReadOnly {
			typ = wgpu.BufferBindingTypeReadOnlyStorage
		}
		entry.Buffer = &wgpu.BufferBindingLayout{
			Type: typ,
		}
	default:
		return wgpu.BindGroupLayoutEntry{}, fmt.Errorf("binding type %s is not supported on wgpu", b.Type)
	}
	return entry, nil
}

func formatToWGPU(f gpu.Format) (wgpu.TextureFormat, error) {
	switch f {
	case gpu.FormatUndefined, gpu.FormatRGBA8:
		// Sampled textures may omit their format; default to rgba8.
		return wgpu.TextureFormatRGBA8Unorm, nil
	case gpu.FormatR8:
		return wgpu.TextureFormatR8Unorm, nil
	case gpu.FormatRG8:
		return wgpu.TextureFormatRG8Unorm, nil
	case gpu.FormatRGBA8Snorm:
		return wgpu.TextureFormatRGBA8Snorm, nil
	case gpu.FormatR16F:
		return wgpu.TextureFormatR16Float, nil
	case gpu.FormatRG16F:
		return wgpu.TextureFormatRG16Float, nil
	case gpu.FormatRGBA16F:
		return wgpu.TextureFormatRGBA16Float, nil
	case gpu.FormatR32F:
		return wgpu.TextureFormatR32Float, nil
	case gpu.FormatRG32F:
		return wgpu.TextureFormatRG32Float, nil
	case gpu.FormatRGBA32F:
		return wgpu.TextureFormatRGBA32Float, nil
	case gpu.FormatR32UI:
		return wgpu.TextureFormatR32Uint, nil
	case gpu.FormatRG32UI:
		return wgpu.TextureFormatRG32Uint, nil
	case gpu.FormatRGBA32UI:
		return wgpu.TextureFormatRGBA32Uint, nil
	case gpu.FormatR32I:
		return wgpu.TextureFormatR32Sint, nil
	default:
		return 0, fmt.Errorf("format %s has no wgpu equivalent", f)
	}
}

func viewDimensionToWGPU(d gpu.Dimension) (wgpu.TextureViewDimension, error) {
	switch d {
	case gpu.Dim1D:
		return wgpu.TextureViewDimension1D, nil
	case gpu.Dim2D, gpu.DimUndefined:
		return wgpu.TextureViewDimension2D, nil
	case gpu.Dim3D:
		return wgpu.TextureViewDimension3D, nil
	case gpu.DimCube:
		return wgpu.TextureViewDimensionCube, nil
	default:
		return 0, fmt.Errorf("dimension %s has no wgpu equivalent", d)
	}
}

func (eng *Engine) CreateTexture(desc gpu.TextureDesc) (gpu.TextureHandle, error) {
	format, err := formatToWGPU(desc.Format)
	if err != nil {
		return 0, fmt.Errorf("texture %q: %w", desc.Label, err)
	}
	viewDim, err := viewDimensionToWGPU(desc.Dimension)
	if err != nil {
		return 0, fmt.Errorf("texture %q: %w", desc.Label, err)
	}

	dim := wgpu.TextureDimension2D
	layers := max(desc.Layers, 1)
	switch desc.Dimension {
	case gpu.Dim1D:
		dim = wgpu.TextureDimension1D
	case gpu.Dim3D:
		dim = wgpu.TextureDimension3D
		layers = max(desc.Depth, 1)
	case gpu.DimCube:
		layers = 6
	}

	texture := eng.dev.CreateTexture(&wgpu.TextureDescriptor{
		Label: desc.Label,
		Size: wgpu.Extent3D{
			Width:              max(desc.Width, 1),
			Height:             max(desc.Height, 1),
			DepthOrArrayLayers: layers,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     dim,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageStorageBinding | wgpu.TextureUsageCopyDst,
		Format:        format,
	})
	view := texture.CreateView(&wgpu.TextureViewDescriptor{
		Dimension:       viewDim,
		Aspect:          wgpu.TextureAspectAll,
		MipLevelCount:   ^uint32(0),
		ArrayLayerCount: ^uint32(0),
		Format:          format,
	})

	h := gpu.TextureHandle(eng.handle())
	eng.textures[h] = &textureEntry{
		texture: texture,
		view:    view,
		desc:    desc,
		format:  format,
	}
	return h, nil
}

func (eng *Engine) WriteTexture(h gpu.TextureHandle, data []byte) error {
	entry, ok := eng.textures[h]
	if !ok {
		panic(fmt.Sprintf("use of unknown texture handle %d", h))
	}
	blockSize, ok := entry.format.BlockCopySize(wgpu.TextureAspectAll)
	if !ok {
		return fmt.Errorf("texture %q: format has no block size", entry.desc.Label)
	}
	width := max(entry.desc.Width, 1)
	height := max(entry.desc.Height, 1)
	layers := max(entry.desc.Depth, entry.desc.Layers, 1)
	if entry.desc.Dimension == gpu.DimCube {
		layers = 6
	}
	if want := uint64(width) * uint64(height) * uint64(layers) * uint64(blockSize); uint64(len(data)) != want {
		return fmt.Errorf("texture %q: payload is %d bytes, extent needs %d", entry.desc.Label, len(data), want)
	}
	eng.queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture: entry.texture,
			Aspect:  wgpu.TextureAspectAll,
		},
		data,
		&wgpu.TextureDataLayout{
			BytesPerRow:  width * blockSize,
			RowsPerImage: height,
		},
		&wgpu.Extent3D{
			Width:              width,
			Height:             height,
			DepthOrArrayLayers: layers,
		},
	)
	return nil
}

func (eng *Engine) DestroyTexture(h gpu.TextureHandle) {
	entry, ok := eng.textures[h]
	if !ok {
		panic(fmt.Sprintf("double destroy of texture handle %d", h))
	}
	entry.view.Release()
	entry.texture.Release()
	delete(eng.textures, h)
}

func (eng *Engine) CreateBuffer(desc gpu.BufferDesc) (gpu.BufferHandle, error) {
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	if desc.Uniform {
		usage = wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	}
	buf := eng.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  max(desc.Size, placeholderBufferSize),
		Usage: usage,
	})
	h := gpu.BufferHandle(eng.handle())
	eng.buffers[h] = buf
	return h, nil
}

func (eng *Engine) WriteBuffer(h gpu.BufferHandle, data []byte) error {
	buf, ok := eng.buffers[h]
	if !ok {
		panic(fmt.Sprintf("use of unknown buffer handle %d", h))
	}
	if uint64(len(data)) > buf.Size() {
		return fmt.Errorf("payload is %d bytes, buffer holds %d", len(data), buf.Size())
	}
	eng.queue.WriteBuffer(buf, 0, data)
	return nil
}

func (eng *Engine) DestroyBuffer(h gpu.BufferHandle) {
	buf, ok := eng.buffers[h]
	if !ok {
		panic(fmt.Sprintf("double destroy of buffer handle %d", h))
	}
	buf.Release()
	delete(eng.buffers, h)
}

func (eng *Engine) CreateSampler(desc gpu.SamplerDesc) (gpu.SamplerHandle, error) {
	sampler := eng.dev.CreateSampler(&wgpu.SamplerDescriptor{
		Label:         desc.Label,
		AddressModeU:  wrapToWGPU(desc.WrapU),
		AddressModeV:  wrapToWGPU(desc.WrapV),
		AddressModeW:  wrapToWGPU(desc.WrapW),
		MagFilter:     filterToWGPU(desc.MagFilter),
		MinFilter:     filterToWGPU(desc.MinFilter),
		MipmapFilter:  wgpu.MipmapFilterModeLinear,
		LODMaxClamp:   32,
		MaxAnisotropy: 1,
	})
	h := gpu.SamplerHandle(eng.handle())
	eng.samplers[h] = sampler
	return h, nil
}

func wrapToWGPU(w gpu.Wrap) wgpu.AddressMode {
	switch w {
	case gpu.WrapClamp:
		return wgpu.AddressModeClampToEdge
	case gpu.WrapMirror:
		return wgpu.AddressModeMirrorRepeat
	default:
		return wgpu.AddressModeRepeat
	}
}

func filterToWGPU(f gpu.Filter) wgpu.FilterMode {
	if f == gpu.FilterNearest {
		return wgpu.FilterModeNearest
	}
	return wgpu.FilterModeLinear
}

func (eng *Engine) DestroySampler(h gpu.SamplerHandle) {
	sampler, ok := eng.samplers[h]
	if !ok {
		panic(fmt.Sprintf("double destroy of sampler handle %d", h))
	}
	sampler.Release()
	delete(eng.samplers, h)
}

func (eng *Engine) DestroyShader(h gpu.ShaderHandle) {
	sh, ok := eng.shaders[h]
	if !ok {
		panic(fmt.Sprintf("double destroy of shader handle %d", h))
	}
	sh.module.Release()
	delete(eng.shaders, h)
}

func (eng *Engine) DestroyPipeline(h gpu.PipelineHandle) {
	pe, ok := eng.pipelines[h]
	if !ok {
		panic(fmt.Sprintf("double destroy of pipeline handle %d", h))
	}
	pe.pipeline.Release()
	releaseLayouts(pe.groupLayouts)
	if pe.push != nil {
		pe.push.group.Release()
		pe.push.buf.Release()
	}
	delete(eng.pipelines, h)
}

func (eng *Engine) CreateBindingSet(p gpu.PipelineHandle, set uint32, entries []gpu.BindingEntry) (gpu.BindingSetHandle, error) {
	pe, ok := eng.pipelines[p]
	if !ok {
		panic(fmt.Sprintf("use of unknown pipeline handle %d", p))
	}
	idx, ok := pe.groupIndex[set]
	if !ok {
		return 0, fmt.Errorf("pipeline %q has no set %d", pe.name, set)
	}

	groupEntries := make([]wgpu.BindGroupEntry, len(entries))
	for i, e := range entries {
		if e.Resource.IsZero() {
			return 0, fmt.Errorf("pipeline %q set %d: no resource for slot %d", pe.name, set, e.Slot)
		}
		ge := wgpu.BindGroupEntry{
			Binding: e.Slot,
			Size:    ^uint64(0),
		}
		switch e.Resource.Kind {
		case gpu.KindTexture:
			te, ok := eng.textures[e.Resource.Texture]
			if !ok {
				panic(fmt.Sprintf("use of unknown texture handle %d", e.Resource.Texture))
			}
			ge.TextureView = te.view
		case gpu.KindBuffer:
			buf, ok := eng.buffers[e.Resource.Buffer]
			if !ok {
				panic(fmt.Sprintf("use of unknown buffer handle %d", e.Resource.Buffer))
			}
			ge.Buffer = buf
		case gpu.KindSampler:
			sampler, ok := eng.samplers[e.Resource.Sampler]
			if !ok {
				panic(fmt.Sprintf("use of unknown sampler handle %d", e.Resource.Sampler))
			}
			ge.Sampler = sampler
		default:
			panic(fmt.Sprintf("unhandled resource kind %d", e.Resource.Kind))
		}
		groupEntries[i] = ge
	}

	group := eng.dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   fmt.Sprintf("%s set %d", pe.name, set),
		Layout:  pe.groupLayouts[idx],
		Entries: groupEntries,
	})
	h := gpu.BindingSetHandle(eng.handle())
	eng.bindGroups[h] = group
	return h, nil
}

func (eng *Engine) DestroyBindingSet(h gpu.BindingSetHandle) {
	group, ok := eng.bindGroups[h]
	if !ok {
		panic(fmt.Sprintf("double destroy of binding set handle %d", h))
	}
	group.Release()
	delete(eng.bindGroups, h)
}

type encoder struct {
	eng    *Engine
	cenc   *wgpu.CommandEncoder
	label  string
	pgroup *profilerGroup

	pipeline *pipelineEntry
	groups   map[int]*wgpu.BindGroup
	push     []byte
}

func (eng *Engine) Begin(label string) (gpu.Encoder, error) {
	cenc := eng.dev.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	return &encoder{
		eng:    eng,
		cenc:   cenc,
		label:  label,
		pgroup: eng.profiler.start(),
	}, nil
}

func (e *encoder) BindPipeline(p gpu.PipelineHandle) {
	pe, ok := e.eng.pipelines[p]
	if !ok {
		panic(fmt.Sprintf("use of unknown pipeline handle %d", p))
	}
	e.pipeline = pe
	e.groups = make(map[int]*wgpu.BindGroup)
	e.push = nil
}

func (e *encoder) BindSet(set uint32, h gpu.BindingSetHandle) {
	if e.pipeline == nil {
		panic("BindSet without a bound pipeline")
	}
	idx, ok := e.pipeline.groupIndex[set]
	if !ok {
		panic(fmt.Sprintf("pipeline %q has no set %d", e.pipeline.name, set))
	}
	group, ok := e.eng.bindGroups[h]
	if !ok {
		panic(fmt.Sprintf("use of unknown binding set handle %d", h))
	}
	e.groups[idx] = group
}

func (e *encoder) PushConstants(data []byte) {
	if len(data) > maxPushSize {
		panic(fmt.Sprintf("push-constant payload of %d bytes exceeds the %d byte limit", len(data), maxPushSize))
	}
	e.push = slices.Clone(data)
}

func (e *encoder) Dispatch(x, y, z uint32) {
	pe := e.pipeline
	if pe == nil {
		panic("Dispatch without a bound pipeline")
	}
	if pe.push != nil && e.push != nil {
		// Queue writes execute before the submitted commands. One staging
		// buffer per pipeline, so a pipeline dispatched twice in one
		// submission sees only the last payload.
		e.eng.queue.WriteBuffer(pe.push.buf, 0, e.push)
	}

	cpass := e.cenc.BeginComputePass(&wgpu.ComputePassDescriptor{
		Label:           pe.name,
		TimestampWrites: e.pgroup.computeTimestamps(pe.name),
	})
	cpass.SetPipeline(pe.pipeline)

	indices := make([]int, 0, len(e.groups))
	for idx := range e.groups {
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	for _, idx := range indices {
		cpass.SetBindGroup(uint32(idx), e.groups[idx], nil)
	}
	if pe.push != nil {
		cpass.SetBindGroup(uint32(pe.push.index), pe.push.group, nil)
	}

	cpass.DispatchWorkgroups(x, y, z)
	cpass.End()
	cpass.Release()
	e.push = nil
}

func (e *encoder) Barrier() {
	// Every dispatch runs in its own compute pass; wgpu orders the writes
	// of one pass before the reads of the next.
}

func (eng *Engine) Submit(enc gpu.Encoder) error {
	e, ok := enc.(*encoder)
	if !ok {
		panic(fmt.Sprintf("submitting an encoder of unexpected type %T", enc))
	}
	e.pgroup.resolve(e.cenc)
	e.cenc.CopyBufferToBuffer(eng.fenceSrc, 0, eng.fenceDst, 0, 4)
	cmd := e.cenc.Finish(nil)
	e.cenc.Release()
	e.cenc = nil
	eng.queue.Submit(cmd)
	cmd.Release()

	// Mapping the fence destination cannot complete before the copy at
	// the end of the command buffer has executed.
	ch := eng.fenceDst.Map(eng.dev, wgpu.MapModeRead, 0, 4)
	if err := <-ch; err != nil {
		return fmt.Errorf("waiting for submission %q: %w", e.label, err)
	}
	eng.fenceDst.Unmap()

	e.pgroup.collect()
	return nil
}

// Timings returns the GPU timestamps of the most recent submission, one
// entry per dispatch. Empty unless Options.EnableTiming is set.
func (eng *Engine) Timings() []Timing {
	return eng.profiler.timings()
}

// Release frees the engine's own GPU objects. Handles minted for callers
// must have been destroyed already; leftovers are reported.
func (eng *Engine) Release() {
	for h, entry := range eng.textures {
		eng.log.Warn("leaked texture handle", zap.Uint64("handle", uint64(h)), zap.String("label", entry.desc.Label))
	}
	for h := range eng.buffers {
		eng.log.Warn("leaked buffer handle", zap.Uint64("handle", uint64(h)))
	}
	eng.fenceSrc.Release()
	eng.fenceDst.Release()
	eng.profiler.release()
}
