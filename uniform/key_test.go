// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package uniform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honnef.co/go/kpipe/gpu"
)

func TestParseRoles(t *testing.T) {
	tests := []struct {
		name string
		typ  gpu.ResourceType
		want Key
	}{
		{
			name: "velocity",
			typ:  gpu.TypeStorageBuffer,
			want: Key{Base: "velocity", Role: RoleBuffer, ArrayIndex: -1, Step: -1},
		},
		{
			name: "density_read",
			typ:  gpu.TypeImage,
			want: Key{Base: "density", Role: RoleTexture | RoleRead, ArrayIndex: -1, Step: -1},
		},
		{
			name: "density_write",
			typ:  gpu.TypeImage,
			want: Key{Base: "density", Role: RoleTexture | RoleWrite, ArrayIndex: -1, Step: -1},
		},
		{
			name: "cascade[3]",
			typ:  gpu.TypeTexture,
			want: Key{Base: "cascade", Role: RoleTexture | RoleArray, ArrayIndex: 3, Step: -1},
		},
		{
			name: "cascade_read[0]",
			typ:  gpu.TypeTexture,
			want: Key{Base: "cascade", Role: RoleTexture | RoleRead | RoleArray, ArrayIndex: 0, Step: -1},
		},
		{
			name: "noise",
			typ:  gpu.TypeCombinedSampler,
			want: Key{Base: "noise", Role: RoleSampler | RoleTexture, ArrayIndex: -1, Step: -1},
		},
		{
			name: "lut",
			typ:  gpu.TypeSamplerBuffer,
			want: Key{Base: "lut", Role: RoleSampler | RoleBuffer, ArrayIndex: -1, Step: -1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.name, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePush(t *testing.T) {
	k, err := Parse("@push:2", 0)
	require.NoError(t, err)
	assert.Equal(t, PushKey(2), k)
	assert.True(t, k.Role.Has(RolePush))
	assert.Equal(t, int32(2), k.Step)

	_, err = Parse("@push:", 0)
	assert.Error(t, err)
	_, err = Parse("@push:abc", 0)
	assert.Error(t, err)
	_, err = Parse("@push:-1", 0)
	assert.Error(t, err)
}

func TestParseMalformedArray(t *testing.T) {
	_, err := Parse("tex[x]", gpu.TypeTexture)
	assert.Error(t, err)
	_, err = Parse("tex[-1]", gpu.TypeTexture)
	assert.Error(t, err)
}

func TestPushKeyPanicsOnNegativeStep(t *testing.T) {
	assert.Panics(t, func() { PushKey(-1) })
}

func TestToCanonicalIdempotent(t *testing.T) {
	keys := []Key{
		must(Parse("velocity", gpu.TypeStorageBuffer)),
		must(Parse("density_read", gpu.TypeImage)),
		must(Parse("density_write", gpu.TypeImage)),
		must(Parse("cascade[3]", gpu.TypeTexture)),
		must(Parse("cascade_write[1]", gpu.TypeImage)),
		PushKey(7),
	}
	for _, k := range keys {
		once := k.ToCanonical()
		assert.Equal(t, once, once.ToCanonical(), "key %s", k)
	}
}

func TestToCanonicalPromotesReadWrite(t *testing.T) {
	r := must(Parse("density_read", gpu.TypeImage))
	w := must(Parse("density_write", gpu.TypeImage))
	cr := r.ToCanonical()
	cw := w.ToCanonical()

	assert.Equal(t, cr, cw, "both halves must collapse to one canonical key")
	assert.True(t, cr.Role.Has(RoleRead))
	assert.True(t, cr.Role.Has(RoleWrite))
	assert.Equal(t, int32(-1), cr.ArrayIndex)
	assert.True(t, cr.Canonical)
}

func TestToCanonicalCollapsesArrayVariants(t *testing.T) {
	declared := must(Parse("cascade", gpu.TypeTexture))
	indexed := must(Parse("cascade[2]", gpu.TypeTexture))
	assert.Equal(t, declared.ToCanonical(), indexed.ToCanonical())
}

func TestToCanonicalStripsPushStep(t *testing.T) {
	a := PushKey(0).ToCanonical()
	b := PushKey(9).ToCanonical()
	assert.Equal(t, a, b)
	assert.Equal(t, int32(-1), a.Step)
}

func TestStringRoundTrip(t *testing.T) {
	// Non-push, non-array keys render to strings that parse back to the
	// same base and role.
	for _, name := range []string{"velocity", "density_read", "density_write"} {
		k := must(Parse(name, gpu.TypeImage))
		again := must(Parse(k.String(), gpu.TypeImage))
		assert.Equal(t, k, again)
	}
}

func TestStringRendering(t *testing.T) {
	assert.Equal(t, "@push:4", PushKey(4).String())
	assert.Equal(t, "@push:*", PushKey(4).ToCanonical().String())
	assert.Equal(t, "cascade_read[1]", must(Parse("cascade_read[1]", gpu.TypeTexture)).String())
	// The promoted pair renders with neither suffix.
	assert.Equal(t, "density", must(Parse("density_write", gpu.TypeImage)).ToCanonical().String())
}

func TestValidate(t *testing.T) {
	assert.Error(t, Key{Base: "", Role: RoleBuffer, ArrayIndex: -1, Step: -1}.Validate())
	assert.Error(t, Key{Role: RolePush, ArrayIndex: -1, Step: -1}.Validate())
	assert.Error(t, Key{Base: "a", Role: RoleTexture | RoleArray, ArrayIndex: -1, Step: -1}.Validate())
	assert.NoError(t, Key{Base: "a", Role: RoleTexture | RoleArray, ArrayIndex: -1, Step: -1, Canonical: true}.Validate())
}

func must(k Key, err error) Key {
	if err != nil {
		panic(err)
	}
	return k
}
