// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package gpu specifies the device capability set consumed by the pipeline
// orchestrator. A Device is an explicitly constructed, explicitly owned
// context; every component that touches the GPU receives one, there is no
// process-wide registry.
//
// Handles are opaque 64-bit identifiers minted by the device. Zero is never
// a valid handle. Each handle has exactly one owner on the caller's side;
// destroying a handle twice is a caller bug and devices may panic on it.
package gpu

// Handles for the object kinds a Device manages.
type (
	ShaderHandle     uint64
	PipelineHandle   uint64
	TextureHandle    uint64
	BufferHandle     uint64
	SamplerHandle    uint64
	BindingSetHandle uint64
)

// TextureDesc describes a texture to create.
type TextureDesc struct {
	Label     string
	Format    Format
	Dimension Dimension
	Width     uint32
	Height    uint32
	Depth     uint32
	// Layers is the array layer count; 0 means 1.
	Layers uint32
}

// BufferDesc describes a buffer to create. Size 0 is a legal placeholder
// for buffers whose length is unknown until the first update.
type BufferDesc struct {
	Label   string
	Size    uint64
	Uniform bool
}

// SamplerDesc describes a sampler. The zero value is the documented
// default: linear filtering, repeat wrapping on all axes.
type SamplerDesc struct {
	Label     string
	MagFilter Filter
	MinFilter Filter
	WrapU     Wrap
	WrapV     Wrap
	WrapW     Wrap
}

// BindingLayout describes one binding slot of a pipeline's layout.
type BindingLayout struct {
	Slot      uint32
	Type      ResourceType
	Format    Format
	Dimension Dimension
	Access    Access
	// Count is the array size of the binding; 0 means 1.
	Count uint32
}

// SetLayout describes one descriptor set of a pipeline's layout.
type SetLayout struct {
	Set      uint32
	Bindings []BindingLayout
}

// ResourceKind discriminates ResourceHandle.
type ResourceKind int

const (
	KindTexture ResourceKind = iota + 1
	KindBuffer
	KindSampler
)

// ResourceHandle is a tagged union over the bindable handle kinds.
type ResourceHandle struct {
	Kind    ResourceKind
	Texture TextureHandle
	Buffer  BufferHandle
	Sampler SamplerHandle
}

func (h ResourceHandle) IsZero() bool {
	return h.Kind == 0
}

// BindingEntry binds one resource to one slot. Array bindings produce one
// entry per element, in element order, all carrying the same slot.
type BindingEntry struct {
	Slot     uint32
	Resource ResourceHandle
}

// Encoder records the command sequence for one submission. Implementations
// are single-use: record, then hand the encoder to Device.Submit.
type Encoder interface {
	BindPipeline(p PipelineHandle)
	BindSet(set uint32, h BindingSetHandle)
	// PushConstants uploads the push-constant payload for the next
	// dispatch of the currently bound pipeline.
	PushConstants(data []byte)
	Dispatch(x, y, z uint32)
	// Barrier orders all writes of preceding dispatches before all reads
	// of subsequent ones.
	Barrier()
}

// Device is the capability set the orchestrator consumes. Implementations
// need not be safe for concurrent use; callers serialize access per the
// concurrency contract of the pipeline.
type Device interface {
	// CompileKernel compiles kernel source text into a shader object.
	CompileKernel(name string, source []byte) (ShaderHandle, error)
	// CreateComputePipeline builds a compute pipeline from a compiled
	// shader and its binding layout. hasPush reserves push-constant space.
	CreateComputePipeline(name string, shader ShaderHandle, layout []SetLayout, hasPush bool) (PipelineHandle, error)
	DestroyShader(h ShaderHandle)
	DestroyPipeline(h PipelineHandle)

	CreateTexture(desc TextureDesc) (TextureHandle, error)
	// WriteTexture replaces the full contents of the texture. The data
	// layout must match the texture's format and extent.
	WriteTexture(h TextureHandle, data []byte) error
	DestroyTexture(h TextureHandle)

	CreateBuffer(desc BufferDesc) (BufferHandle, error)
	// WriteBuffer replaces the buffer's contents in place. The data length
	// must not exceed the buffer's size.
	WriteBuffer(h BufferHandle, data []byte) error
	DestroyBuffer(h BufferHandle)

	CreateSampler(desc SamplerDesc) (SamplerHandle, error)
	DestroySampler(h SamplerHandle)

	// CreateBindingSet builds a descriptor set object for one set index of
	// a pipeline from an ordered list of (slot, resource) pairs.
	CreateBindingSet(p PipelineHandle, set uint32, entries []BindingEntry) (BindingSetHandle, error)
	DestroyBindingSet(h BindingSetHandle)

	// Begin opens a command-recording context.
	Begin(label string) (Encoder, error)
	// Submit submits a recorded context and blocks until the GPU has
	// finished executing it.
	Submit(enc Encoder) error
}
