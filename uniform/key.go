// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package uniform implements the key algebra that names resource bindings
// across the kernels of a pipeline.
//
// A Key identifies one logical binding: its base name, its role flags, and
// optionally an array index or a pipeline-step index. Keys come in two
// flavors. A concrete key is what parsing a declared binding name yields;
// it may carry a read or write suffix and an array index. A canonical key
// strips the array index and promotes a lone read or write role to both,
// so that the two halves of a ping-pong pair collapse to a single lookup
// key. Keys are small immutable values and compare structurally.
package uniform

import (
	"fmt"
	"strconv"
	"strings"

	"honnef.co/go/kpipe/gpu"
)

// Role is a bitset describing what a binding is and how a kernel uses it.
type Role uint32

const (
	RolePush Role = 1 << iota
	RoleRead
	RoleWrite
	RoleSampler
	RoleTexture
	RoleBuffer
	RoleArray
)

func (r Role) Has(f Role) bool { return r&f == f }

func (r Role) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Role
		name string
	}{
		{RolePush, "push"},
		{RoleRead, "read"},
		{RoleWrite, "write"},
		{RoleSampler, "sampler"},
		{RoleTexture, "texture"},
		{RoleBuffer, "buffer"},
		{RoleArray, "array"},
	} {
		if r&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// RoleFor derives the base role flags for a declared GPU resource type.
func RoleFor(t gpu.ResourceType) Role {
	switch t {
	case gpu.TypeSampler:
		return RoleSampler
	case gpu.TypeCombinedSampler:
		return RoleSampler | RoleTexture
	case gpu.TypeTexture:
		return RoleTexture
	case gpu.TypeSamplerBuffer:
		return RoleSampler | RoleBuffer
	case gpu.TypeImage:
		return RoleTexture
	case gpu.TypeImageBuffer:
		return RoleTexture | RoleBuffer
	case gpu.TypeUniformBuffer, gpu.TypeStorageBuffer:
		return RoleBuffer
	default:
		// Input attachments and unknown types carry no role; the analyzer
		// leaves them unclassified.
		return 0
	}
}

// pushPrefix is the reserved prefix for push-constant keys. Regular
// binding names cannot contain '@', so the two namespaces never collide.
const pushPrefix = "@push:"

// Key identifies one logical resource binding.
//
// ArrayIndex and Step are -1 when absent. The zero Key is not a valid key.
type Key struct {
	Base       string
	Role       Role
	ArrayIndex int32
	Step       int32
	Canonical  bool
}

// PushKey returns the concrete push-constant key for one pipeline step.
// step must be non-negative.
func PushKey(step int32) Key {
	if step < 0 {
		panic(fmt.Sprintf("negative push-constant step %d", step))
	}
	return Key{Role: RolePush, ArrayIndex: -1, Step: step}
}

// Parse derives a key from a declared binding name and its GPU type. It
// strips an array-index suffix "[n]" first and a trailing "_read"/"_write"
// suffix second, so "foo_read[0]" resolves to base "foo". Push-constant
// keys use the reserved "@push:<step>" syntax instead.
func Parse(name string, typ gpu.ResourceType) (Key, error) {
	if rest, ok := strings.CutPrefix(name, pushPrefix); ok {
		step, err := strconv.ParseInt(rest, 10, 32)
		if err != nil {
			return Key{}, fmt.Errorf("malformed push-constant key %q: %w", name, err)
		}
		if step < 0 {
			return Key{}, fmt.Errorf("malformed push-constant key %q: negative step", name)
		}
		return Key{Role: RolePush, ArrayIndex: -1, Step: int32(step)}, nil
	}

	k := Key{Base: name, Role: RoleFor(typ), ArrayIndex: -1, Step: -1}

	if strings.HasSuffix(k.Base, "]") {
		open := strings.LastIndexByte(k.Base, '[')
		if open == -1 {
			return Key{}, fmt.Errorf("malformed array suffix in binding name %q", name)
		}
		idx, err := strconv.ParseInt(k.Base[open+1:len(k.Base)-1], 10, 32)
		if err != nil || idx < 0 {
			return Key{}, fmt.Errorf("malformed array index in binding name %q", name)
		}
		k.Base = k.Base[:open]
		k.Role |= RoleArray
		k.ArrayIndex = int32(idx)
	}

	if base, ok := strings.CutSuffix(k.Base, "_read"); ok {
		k.Base = base
		k.Role |= RoleRead
	} else if base, ok := strings.CutSuffix(k.Base, "_write"); ok {
		k.Base = base
		k.Role |= RoleWrite
	}

	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks the key's structural invariants. Keys failing validation
// must not be used for lookups.
func (k Key) Validate() error {
	if k.Role.Has(RolePush) {
		if !k.Canonical && k.Step < 0 {
			return fmt.Errorf("push-constant key %s has no step", k)
		}
		return nil
	}
	if k.Base == "" {
		return fmt.Errorf("binding key has empty base name")
	}
	if k.Role.Has(RoleArray) && !k.Canonical && k.ArrayIndex < 0 {
		return fmt.Errorf("array key %s has no array index", k)
	}
	return nil
}

// ToCanonical returns the canonical form of the key: the array index (and
// with it the array role) is stripped, a push key's step is stripped, and a
// lone read or write role is promoted to both so that either half of a
// ping-pong pair resolves to the same entry. ToCanonical is idempotent.
func (k Key) ToCanonical() Key {
	k.ArrayIndex = -1
	k.Role &^= RoleArray
	if k.Role&(RoleRead|RoleWrite) != 0 {
		k.Role |= RoleRead | RoleWrite
	}
	if k.Role.Has(RolePush) {
		k.Step = -1
	}
	k.Canonical = true
	return k
}

// String renders the key for diagnostics. The rendering of canonical keys
// is lossy: array indices and push steps become placeholders, and the
// promoted read+write role is rendered as neither suffix.
func (k Key) String() string {
	if k.Role.Has(RolePush) {
		if k.Canonical {
			return pushPrefix + "*"
		}
		return fmt.Sprintf("%s%d", pushPrefix, k.Step)
	}
	var sb strings.Builder
	sb.WriteString(k.Base)
	switch {
	case k.Role.Has(RoleRead) && k.Role.Has(RoleWrite):
		// Promoted pair, no suffix.
	case k.Role.Has(RoleRead):
		sb.WriteString("_read")
	case k.Role.Has(RoleWrite):
		sb.WriteString("_write")
	}
	if k.Role.Has(RoleArray) && k.ArrayIndex >= 0 {
		fmt.Fprintf(&sb, "[%d]", k.ArrayIndex)
	}
	return sb.String()
}
