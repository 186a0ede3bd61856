// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package kpipe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"honnef.co/go/kpipe/gpu"
	"honnef.co/go/kpipe/uniform"
)

func newTestManager(t *testing.T, dev *fakeDevice, src string, overrides map[uniform.Key]gpu.SamplerDesc) (*ResourceManager, *Kernel) {
	t.Helper()
	k := compileTestKernel(t, dev, "kernel", src)
	an, err := Analyze([]*Kernel{k}, zap.NewNop())
	require.NoError(t, err)
	rm, err := newResourceManager(dev, an, Domain{Width: 8, Height: 8}, overrides, zap.NewNop())
	require.NoError(t, err)
	return rm, k
}

func TestResourceManagerAllocation(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0, rgba8) uniform readonly image2D state_read;
layout(set = 0, binding = 1, rgba8) uniform writeonly image2D state_write;
layout(set = 0, binding = 2) uniform texture2D background;
layout(set = 0, binding = 3) uniform sampler samp;
layout(set = 0, binding = 4) uniform Params { vec4 v; } params;
`, nil)
	defer rm.Cleanup()

	// Two halves for the ping-pong pair plus the background texture.
	assert.Len(t, dev.textures, 3)
	assert.Len(t, dev.samplers, 1)
	assert.Len(t, dev.buffers, 1)
}

func TestUpdateDirtyCheck(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0) uniform Params { vec4 v; } params;
`, nil)
	defer rm.Cleanup()

	key := mustKey(t, "params", gpu.TypeUniformBuffer)
	payload := bytes.Repeat([]byte{1}, 16)

	rm.Update(map[uniform.Key][]byte{key: payload})
	rm.Update(map[uniform.Key][]byte{key: bytes.Clone(payload)})

	res, ok := rm.Resource(key)
	require.True(t, ok)
	buf := res.(*bufferResource).buffers[0]
	assert.Len(t, dev.bufferWrites[buf], 1, "byte-identical payloads must write once")

	changed := bytes.Clone(payload)
	changed[0] = 2
	rm.Update(map[uniform.Key][]byte{key: changed})
	assert.Len(t, dev.bufferWrites[buf], 2, "a one-byte change must write again")
}

func TestBufferReallocOnLengthChange(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0) buffer State { vec4 s[]; } state;
`, nil)
	defer rm.Cleanup()

	key := mustKey(t, "state", gpu.TypeStorageBuffer)
	rm.Update(map[uniform.Key][]byte{key: make([]byte, 64)})

	res, ok := rm.Resource(key)
	require.True(t, ok)
	first := res.(*bufferResource).buffers[0]

	// Same length, different content: in-place update on the same handle.
	second := bytes.Repeat([]byte{7}, 64)
	rm.Update(map[uniform.Key][]byte{key: second})
	assert.Equal(t, first, res.(*bufferResource).buffers[0])

	// New length: the old handle is freed and a new one allocated.
	rm.Update(map[uniform.Key][]byte{key: make([]byte, 128)})
	replaced := res.(*bufferResource).buffers[0]
	assert.NotEqual(t, first, replaced)
	assert.Contains(t, dev.destroyedBuffers, first)
	assert.Equal(t, uint64(128), dev.buffers[replaced].Size)
}

func TestUpdateEmptyPayloadIsNoop(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0) uniform Params { vec4 v; } params;
`, nil)
	defer rm.Cleanup()

	key := mustKey(t, "params", gpu.TypeUniformBuffer)
	rm.Update(map[uniform.Key][]byte{key: nil})
	res, _ := rm.Resource(key)
	buf := res.(*bufferResource).buffers[0]
	assert.Empty(t, dev.bufferWrites[buf])
}

func TestUpdateUnknownKeyIsReportedNotFatal(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0) uniform Params { vec4 v; } params;
`, nil)
	defer rm.Cleanup()

	assert.NotPanics(t, func() {
		rm.Update(map[uniform.Key][]byte{
			mustKey(t, "missing", gpu.TypeStorageBuffer): make([]byte, 4),
			mustKey(t, "params", gpu.TypeUniformBuffer):  make([]byte, 16),
		})
	})
	assert.Equal(t, uint64(1), rm.updatesApplied, "the rest of the batch still applies")
}

func TestUpdateRejectsWrongTexturePayloadSize(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0, rgba8) uniform image2D field;
`, nil)
	defer rm.Cleanup()

	key := mustKey(t, "field", gpu.TypeImage)
	res, ok := rm.Resource(key)
	require.True(t, ok)

	_, err := res.Update(key, make([]byte, 10))
	assert.Error(t, err, "an 8x8 rgba8 texture takes 256 bytes")

	applied, err := res.Update(key, make([]byte, 8*8*4))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPingPongUpdateRouting(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0, r8) uniform readonly image2D field_read;
layout(set = 0, binding = 1, r8) uniform writeonly image2D field_write;
`, nil)
	defer rm.Cleanup()

	res, ok := rm.Resource(mustKey(t, "field_read", gpu.TypeImage))
	require.True(t, ok)
	pp := res.(*pingPongTexture)

	readKey := mustKey(t, "field_read", gpu.TypeImage)
	writeKey := mustKey(t, "field_write", gpu.TypeImage)

	rm.Update(map[uniform.Key][]byte{readKey: bytes.Repeat([]byte{1}, 64)})
	rm.Update(map[uniform.Key][]byte{writeKey: bytes.Repeat([]byte{2}, 64)})

	readTex := pp.halves[pp.half(readKey)][0]
	writeTex := pp.halves[pp.half(writeKey)][0]
	require.NotEqual(t, readTex, writeTex)
	require.Len(t, dev.textureWrites[readTex], 1)
	require.Len(t, dev.textureWrites[writeTex], 1)
	assert.Equal(t, byte(1), dev.textureWrites[readTex][0][0])
	assert.Equal(t, byte(2), dev.textureWrites[writeTex][0][0])
}

func TestBindingSetsArrayExpansion(t *testing.T) {
	dev := newFakeDevice()
	rm, k := newTestManager(t, dev, `
layout(set = 0, binding = 0) uniform texture2D cascade[4];
layout(set = 1, binding = 2) uniform Params { vec4 v; } params;
`, nil)
	defer rm.Cleanup()

	sets, err := rm.BindingSets(k)
	require.NoError(t, err)
	require.Len(t, sets, 2)

	require.Len(t, sets[0], 4, "one entry per array element")
	for _, e := range sets[0] {
		assert.Equal(t, uint32(0), e.Slot)
		assert.Equal(t, gpu.KindTexture, e.Resource.Kind)
	}
	seen := make(map[gpu.TextureHandle]bool)
	for _, e := range sets[0] {
		seen[e.Resource.Texture] = true
	}
	assert.Len(t, seen, 4, "array elements are distinct textures")

	require.Len(t, sets[1], 1)
	assert.Equal(t, uint32(2), sets[1][0].Slot)
	assert.Equal(t, gpu.KindBuffer, sets[1][0].Resource.Kind)
}

func TestBindingSetsMissingResource(t *testing.T) {
	dev := newFakeDevice()
	// Input attachments are parsed but never allocated, so assembling the
	// kernel's binding sets must fail.
	rm, k := newTestManager(t, dev, `
layout(set = 0, binding = 0) uniform subpassInput prev;
`, nil)
	defer rm.Cleanup()

	_, err := rm.BindingSets(k)
	assert.Error(t, err)
}

func TestSamplerOverride(t *testing.T) {
	dev := newFakeDevice()
	override := gpu.SamplerDesc{
		MagFilter: gpu.FilterNearest,
		MinFilter: gpu.FilterNearest,
		WrapU:     gpu.WrapClamp,
		WrapV:     gpu.WrapClamp,
	}
	key := mustKey(t, "samp", gpu.TypeSampler)
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0) uniform sampler samp;
`, map[uniform.Key]gpu.SamplerDesc{key.ToCanonical(): override})
	defer rm.Cleanup()

	require.Len(t, dev.samplers, 1)
	for _, desc := range dev.samplers {
		assert.Equal(t, gpu.FilterNearest, desc.MagFilter)
		assert.Equal(t, gpu.WrapClamp, desc.WrapU)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	dev := newFakeDevice()
	rm, _ := newTestManager(t, dev, `
layout(set = 0, binding = 0, rgba8) uniform readonly image2D state_read;
layout(set = 0, binding = 1, rgba8) uniform writeonly image2D state_write;
layout(set = 0, binding = 2) buffer State { vec4 s[]; } state;
`, nil)

	rm.Cleanup()
	assert.Empty(t, dev.textures)
	assert.Empty(t, dev.buffers)
	assert.NotPanics(t, rm.Cleanup)
}
