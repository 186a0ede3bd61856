// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package kpipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"honnef.co/go/kpipe/gpu"
	"honnef.co/go/kpipe/uniform"
)

func compileTestKernel(t *testing.T, dev gpu.Device, name, src string) *Kernel {
	t.Helper()
	k, err := CompileKernel(dev, name, name+".comp", []byte(src), zap.NewNop())
	require.NoError(t, err)
	return k
}

func mustKey(t *testing.T, name string, typ gpu.ResourceType) uniform.Key {
	t.Helper()
	k, err := uniform.Parse(name, typ)
	require.NoError(t, err)
	return k
}

func TestAnalyzeMerge(t *testing.T) {
	dev := newFakeDevice()
	k1 := compileTestKernel(t, dev, "advect", `
layout(local_size_x = 64) in;
layout(set = 0, binding = 0) uniform Params { vec4 v; } params;
layout(set = 0, binding = 1, rgba32f) uniform image2D velocity;
`)
	k2 := compileTestKernel(t, dev, "project", `
layout(local_size_x = 64) in;
layout(set = 0, binding = 0) uniform Params { vec4 v; } params;
layout(set = 0, binding = 3, r32f) uniform image2D pressure;
`)

	an, err := Analyze([]*Kernel{k1, k2}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, an.Bindings, 3)
	params := an.Bindings[mustKey(t, "params", gpu.TypeUniformBuffer)]
	require.NotNil(t, params)
	assert.Equal(t, []*Kernel{k1, k2}, params.Kernels, "both kernels reference the shared block")

	velocity := an.Bindings[mustKey(t, "velocity", gpu.TypeImage)]
	require.NotNil(t, velocity)
	assert.Equal(t, []*Kernel{k1}, velocity.Kernels)

	assert.Equal(t, uint32(3), an.MaxSlot)
}

func TestAnalyzeInconsistencyFirstSeenWins(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	dev := newFakeDevice()
	k1 := compileTestKernel(t, dev, "a", `layout(binding = 0, rgba8) uniform image2D density;`)
	k2 := compileTestKernel(t, dev, "b", `layout(binding = 0, r32f) uniform image2D density;`)

	an, err := Analyze([]*Kernel{k1, k2}, zap.New(core))
	require.NoError(t, err, "inconsistency does not abort analysis")

	info := an.Bindings[mustKey(t, "density", gpu.TypeImage)]
	require.NotNil(t, info)
	assert.Equal(t, gpu.FormatRGBA8, info.Binding.Format, "first declaration wins")
	assert.Equal(t, []*Kernel{k1, k2}, info.Kernels)
	assert.Equal(t, 1, logs.Len())
}

func TestAnalyzePingPong(t *testing.T) {
	dev := newFakeDevice()
	k1 := compileTestKernel(t, dev, "diffuse", `
layout(set = 0, binding = 0, rgba8) uniform readonly image2D foo_read;
layout(set = 0, binding = 1, rgba8) uniform writeonly image2D foo_write;
`)

	an, err := Analyze([]*Kernel{k1}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, an.PingPongs, 1)
	ck := mustKey(t, "foo_read", gpu.TypeImage).ToCanonical()
	pair := an.PingPongs[ck]
	require.NotNil(t, pair)
	assert.Equal(t, "foo_read", pair.Read.Binding.Name)
	assert.Equal(t, "foo_write", pair.Write.Binding.Name)
	assert.Empty(t, an.Textures, "paired halves are not classified again")
}

func TestAnalyzePingPongFormatMismatch(t *testing.T) {
	dev := newFakeDevice()
	k1 := compileTestKernel(t, dev, "diffuse", `
layout(set = 0, binding = 0, rgba8) uniform readonly image2D foo_read;
layout(set = 0, binding = 1, rgba16f) uniform writeonly image2D foo_write;
`)

	an, err := Analyze([]*Kernel{k1}, zap.NewNop())
	require.NoError(t, err)

	assert.Empty(t, an.PingPongs, "mismatched formats must not pair")
	ck := mustKey(t, "foo_read", gpu.TypeImage).ToCanonical()
	assert.NotNil(t, an.Textures[ck], "unpaired halves fall through to texture classification")
}

func TestAnalyzeDuplicateBaseNameExcluded(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)

	dev := newFakeDevice()
	// Two distinct read keys share the base name "foo": one sampled, one
	// combined. The base name is excluded from pairing.
	k1 := compileTestKernel(t, dev, "a", `
layout(set = 0, binding = 0) uniform texture2D foo_read;
layout(set = 0, binding = 1) uniform sampler2D foo_read;
layout(set = 0, binding = 2, rgba8) uniform writeonly image2D foo_write;
`)

	an, err := Analyze([]*Kernel{k1}, zap.New(core))
	require.NoError(t, err)
	assert.Empty(t, an.PingPongs)
	assert.GreaterOrEqual(t, logs.Len(), 1)
}

func TestAnalyzeClassification(t *testing.T) {
	dev := newFakeDevice()
	k := compileTestKernel(t, dev, "kitchen", `
layout(set = 0, binding = 0) uniform sampler samp;
layout(set = 0, binding = 1) uniform texture2D tex;
layout(set = 0, binding = 2) uniform sampler3D noise;
layout(set = 0, binding = 3, r32f) uniform image2D field;
layout(set = 0, binding = 4) uniform Params { vec4 v; } params;
layout(set = 0, binding = 5) buffer State { vec4 s[]; } state;
layout(set = 0, binding = 6) uniform subpassInput prev;
`)

	an, err := Analyze([]*Kernel{k}, zap.NewNop())
	require.NoError(t, err)

	assert.Len(t, an.Samplers, 1)
	assert.Len(t, an.Textures, 3)
	assert.Len(t, an.Buffers, 2)
	assert.Len(t, an.Unclassified, 1)
	assert.NotNil(t, an.Unclassified[mustKey(t, "prev", gpu.TypeInputAttachment).ToCanonical()])
}

func TestAnalyzeEmpty(t *testing.T) {
	_, err := Analyze(nil, zap.NewNop())
	assert.Error(t, err)
}
