// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package gpu

import "fmt"

// ResourceType is the declared GPU type of a kernel binding, as written in
// the kernel source.
type ResourceType int

const (
	TypeInvalid ResourceType = iota
	// A bare sampler object.
	TypeSampler
	// A combined texture + sampler (GLSL sampler1D/2D/3D/Cube).
	TypeCombinedSampler
	// A sampled texture without a sampler (GLSL texture1D/2D/3D/Cube).
	TypeTexture
	// A buffer accessed through a sampler (GLSL samplerBuffer).
	TypeSamplerBuffer
	// A storage image (GLSL image1D/2D/3D).
	TypeImage
	// A storage image backed by a buffer (GLSL imageBuffer).
	TypeImageBuffer
	// A uniform block.
	TypeUniformBuffer
	// A storage buffer block.
	TypeStorageBuffer
	// A subpass input attachment.
	TypeInputAttachment
)

var resourceTypeNames = [...]string{
	TypeInvalid:         "invalid",
	TypeSampler:         "sampler",
	TypeCombinedSampler: "combined sampler",
	TypeTexture:         "texture",
	TypeSamplerBuffer:   "sampler buffer",
	TypeImage:           "image",
	TypeImageBuffer:     "image buffer",
	TypeUniformBuffer:   "uniform buffer",
	TypeStorageBuffer:   "storage buffer",
	TypeInputAttachment: "input attachment",
}

func (t ResourceType) String() string {
	if int(t) < len(resourceTypeNames) {
		return resourceTypeNames[t]
	}
	return fmt.Sprintf("ResourceType(%d)", int(t))
}

// Format is the data format of a texture or typed image binding.
type Format int

const (
	FormatUndefined Format = iota
	FormatR8
	FormatRG8
	FormatRGBA8
	FormatRGBA8Snorm
	FormatR16F
	FormatRG16F
	FormatRGBA16F
	FormatR32F
	FormatRG32F
	FormatRGBA32F
	FormatR32UI
	FormatRG32UI
	FormatRGBA32UI
	FormatR32I
)

var formatNames = [...]string{
	FormatUndefined:  "undefined",
	FormatR8:         "r8",
	FormatRG8:        "rg8",
	FormatRGBA8:      "rgba8",
	FormatRGBA8Snorm: "rgba8_snorm",
	FormatR16F:       "r16f",
	FormatRG16F:      "rg16f",
	FormatRGBA16F:    "rgba16f",
	FormatR32F:       "r32f",
	FormatRG32F:      "rg32f",
	FormatRGBA32F:    "rgba32f",
	FormatR32UI:      "r32ui",
	FormatRG32UI:     "rg32ui",
	FormatRGBA32UI:   "rgba32ui",
	FormatR32I:       "r32i",
}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// BytesPerTexel returns the texel stride of the format, or 0 for
// FormatUndefined.
func (f Format) BytesPerTexel() uint32 {
	switch f {
	case FormatR8:
		return 1
	case FormatRG8, FormatR16F:
		return 2
	case FormatRGBA8, FormatRGBA8Snorm, FormatRG16F, FormatR32F, FormatR32UI, FormatR32I:
		return 4
	case FormatRGBA16F, FormatRG32F, FormatRG32UI:
		return 8
	case FormatRGBA32F, FormatRGBA32UI:
		return 16
	default:
		return 0
	}
}

// Dimension is the dimensionality of a texture-like binding.
type Dimension int

const (
	DimUndefined Dimension = iota
	Dim1D
	Dim2D
	Dim3D
	DimCube
	// DimBuffer marks buffer-backed bindings (samplerBuffer, imageBuffer,
	// uniform and storage blocks).
	DimBuffer
)

var dimensionNames = [...]string{
	DimUndefined: "undefined",
	Dim1D:        "1D",
	Dim2D:        "2D",
	Dim3D:        "3D",
	DimCube:      "cube",
	DimBuffer:    "buffer",
}

func (d Dimension) String() string {
	if int(d) < len(dimensionNames) {
		return dimensionNames[d]
	}
	return fmt.Sprintf("Dimension(%d)", int(d))
}

// Access is the access qualifier of a binding.
type Access int

const (
	AccessReadWrite Access = iota
	AccessReadOnly
	AccessWriteOnly
)

func (a Access) String() string {
	switch a {
	case AccessReadWrite:
		return "read-write"
	case AccessReadOnly:
		return "read-only"
	case AccessWriteOnly:
		return "write-only"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// Filter selects texel filtering for samplers.
type Filter int

const (
	FilterLinear Filter = iota
	FilterNearest
)

// Wrap selects the addressing mode for sampler coordinates outside [0, 1].
type Wrap int

const (
	WrapRepeat Wrap = iota
	WrapClamp
	WrapMirror
)
