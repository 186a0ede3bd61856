// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package kpipe

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"honnef.co/go/kpipe/gpu"
	"honnef.co/go/kpipe/uniform"
)

// Domain is the fixed extent of one pipeline instance. It sizes the
// pipeline's textures and, divided by each kernel's local workgroup size,
// determines dispatch extents.
type Domain struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

func (d Domain) clamped() Domain {
	return Domain{max(d.Width, 1), max(d.Height, 1), max(d.Depth, 1)}
}

// Resource is one allocated binding group: a texture, buffer or sampler,
// possibly array-sized, possibly double-buffered. Updates are
// dirty-checked; an update whose payload hashes identically to the last
// applied one issues no GPU write.
type Resource interface {
	// Update routes a payload to the resource. The concrete key selects
	// the array slot and, for double-buffered resources, the half to
	// write. It reports whether a GPU write was issued.
	Update(key uniform.Key, data []byte) (bool, error)
	// handles resolves the handles to bind for one declared binding,
	// one per array element.
	handles(key uniform.Key) ([]gpu.ResourceHandle, error)
	Cleanup()
}

// Flipper is the capability double-buffered resources expose. Flip swaps
// which half serves reads and which serves writes. Resources that are not
// double-buffered do not implement it.
type Flipper interface {
	Flip()
}

func hashPayload(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// slotFor maps a concrete key's array index to a slot, bounds-checked
// against the resource's element count.
func slotFor(key uniform.Key, n int) (int, error) {
	if key.ArrayIndex < 0 {
		return 0, nil
	}
	if int(key.ArrayIndex) >= n {
		return 0, fmt.Errorf("array index %d out of range for %d-element binding %s", key.ArrayIndex, n, key)
	}
	return int(key.ArrayIndex), nil
}

type textureResource struct {
	dev         gpu.Device
	info        *BindingInfo
	textures    []gpu.TextureHandle
	hashes      []uint64
	payloadSize uint64
}

func newTextureResource(dev gpu.Device, info *BindingInfo, domain Domain) (*textureResource, error) {
	n := int(max(info.Binding.ArraySize, 1))
	r := &textureResource{
		dev:         dev,
		info:        info,
		textures:    make([]gpu.TextureHandle, 0, n),
		hashes:      make([]uint64, n),
		payloadSize: texturePayloadSize(info, domain),
	}
	for i := 0; i < n; i++ {
		h, err := dev.CreateTexture(textureDesc(info, domain, i))
		if err != nil {
			r.Cleanup()
			return nil, fmt.Errorf("allocating texture %s: %w", info.Key, err)
		}
		r.textures = append(r.textures, h)
	}
	return r, nil
}

func textureDesc(info *BindingInfo, domain Domain, elem int) gpu.TextureDesc {
	label := info.Key.Base
	if info.Binding.ArraySize > 1 {
		label = fmt.Sprintf("%s[%d]", label, elem)
	}
	return gpu.TextureDesc{
		Label:     label,
		Format:    info.Binding.Format,
		Dimension: info.Binding.Dimension,
		Width:     domain.Width,
		Height:    domain.Height,
		Depth:     domain.Depth,
	}
}

// texturePayloadSize is the byte length a full-texture payload must have,
// or 0 when the binding's format is unknown and no check is possible.
func texturePayloadSize(info *BindingInfo, domain Domain) uint64 {
	texel := info.Binding.Format.BytesPerTexel()
	if texel == 0 {
		return 0
	}
	return uint64(domain.Width) * uint64(domain.Height) * uint64(domain.Depth) * uint64(texel)
}

func (r *textureResource) Update(key uniform.Key, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	if r.payloadSize != 0 && uint64(len(data)) != r.payloadSize {
		return false, fmt.Errorf("payload for %s is %d bytes, texture takes %d", key, len(data), r.payloadSize)
	}
	slot, err := slotFor(key, len(r.textures))
	if err != nil {
		return false, err
	}
	h := hashPayload(data)
	if h == r.hashes[slot] {
		return false, nil
	}
	if err := r.dev.WriteTexture(r.textures[slot], data); err != nil {
		return false, fmt.Errorf("writing texture %s: %w", key, err)
	}
	r.hashes[slot] = h
	return true, nil
}

func (r *textureResource) handles(key uniform.Key) ([]gpu.ResourceHandle, error) {
	out := make([]gpu.ResourceHandle, len(r.textures))
	for i, t := range r.textures {
		out[i] = gpu.ResourceHandle{Kind: gpu.KindTexture, Texture: t}
	}
	return out, nil
}

func (r *textureResource) Cleanup() {
	for _, t := range r.textures {
		r.dev.DestroyTexture(t)
	}
	r.textures = nil
}

type bufferResource struct {
	dev     gpu.Device
	info    *BindingInfo
	uniform bool
	buffers []gpu.BufferHandle
	hashes  []uint64
	lengths []uint64
}

func newBufferResource(dev gpu.Device, info *BindingInfo) (*bufferResource, error) {
	n := int(max(info.Binding.ArraySize, 1))
	r := &bufferResource{
		dev:     dev,
		info:    info,
		uniform: info.Binding.Type == gpu.TypeUniformBuffer,
		buffers: make([]gpu.BufferHandle, 0, n),
		hashes:  make([]uint64, n),
		lengths: make([]uint64, n),
	}
	for i := 0; i < n; i++ {
		// Size is unknown until the first update; allocate a placeholder.
		h, err := dev.CreateBuffer(gpu.BufferDesc{Label: info.Key.Base, Uniform: r.uniform})
		if err != nil {
			r.Cleanup()
			return nil, fmt.Errorf("allocating buffer %s: %w", info.Key, err)
		}
		r.buffers = append(r.buffers, h)
	}
	return r, nil
}

func (r *bufferResource) Update(key uniform.Key, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	slot, err := slotFor(key, len(r.buffers))
	if err != nil {
		return false, err
	}
	h := hashPayload(data)
	if h == r.hashes[slot] {
		return false, nil
	}
	if uint64(len(data)) != r.lengths[slot] {
		// Buffers cannot grow in place. Replace the handle.
		nh, err := r.dev.CreateBuffer(gpu.BufferDesc{
			Label:   r.info.Key.Base,
			Size:    uint64(len(data)),
			Uniform: r.uniform,
		})
		if err != nil {
			return false, fmt.Errorf("reallocating buffer %s: %w", key, err)
		}
		r.dev.DestroyBuffer(r.buffers[slot])
		r.buffers[slot] = nh
		r.lengths[slot] = uint64(len(data))
	}
	if err := r.dev.WriteBuffer(r.buffers[slot], data); err != nil {
		return false, fmt.Errorf("writing buffer %s: %w", key, err)
	}
	r.hashes[slot] = h
	return true, nil
}

func (r *bufferResource) handles(key uniform.Key) ([]gpu.ResourceHandle, error) {
	out := make([]gpu.ResourceHandle, len(r.buffers))
	for i, b := range r.buffers {
		out[i] = gpu.ResourceHandle{Kind: gpu.KindBuffer, Buffer: b}
	}
	return out, nil
}

func (r *bufferResource) Cleanup() {
	for _, b := range r.buffers {
		r.dev.DestroyBuffer(b)
	}
	r.buffers = nil
}

type samplerResource struct {
	dev     gpu.Device
	info    *BindingInfo
	sampler gpu.SamplerHandle
}

func newSamplerResource(dev gpu.Device, info *BindingInfo, desc gpu.SamplerDesc) (*samplerResource, error) {
	desc.Label = info.Key.Base
	h, err := dev.CreateSampler(desc)
	if err != nil {
		return nil, fmt.Errorf("allocating sampler %s: %w", info.Key, err)
	}
	return &samplerResource{dev: dev, info: info, sampler: h}, nil
}

func (r *samplerResource) Update(key uniform.Key, data []byte) (bool, error) {
	// Samplers carry no payload. Configuration is fixed at creation.
	return false, nil
}

func (r *samplerResource) handles(key uniform.Key) ([]gpu.ResourceHandle, error) {
	return []gpu.ResourceHandle{{Kind: gpu.KindSampler, Sampler: r.sampler}}, nil
}

func (r *samplerResource) Cleanup() {
	if r.sampler != 0 {
		r.dev.DestroySampler(r.sampler)
		r.sampler = 0
	}
}

// pingPongTexture is a double-buffered texture. The flipped flag selects
// which physical half currently serves the read binding; Flip toggles it.
type pingPongTexture struct {
	dev         gpu.Device
	pair        *PingPongBinding
	halves      [2][]gpu.TextureHandle
	hashes      [2][]uint64
	payloadSize uint64
	flipped     bool
}

func newPingPongTexture(dev gpu.Device, pair *PingPongBinding, domain Domain) (*pingPongTexture, error) {
	n := int(max(pair.Read.Binding.ArraySize, 1))
	r := &pingPongTexture{dev: dev, pair: pair, payloadSize: texturePayloadSize(pair.Read, domain)}
	for half := range 2 {
		r.hashes[half] = make([]uint64, n)
		for i := 0; i < n; i++ {
			h, err := dev.CreateTexture(textureDesc(pair.Read, domain, i))
			if err != nil {
				r.Cleanup()
				return nil, fmt.Errorf("allocating ping-pong texture %s: %w", pair.Read.Key, err)
			}
			r.halves[half] = append(r.halves[half], h)
		}
	}
	return r, nil
}

// half maps a concrete key to a physical half index. Write-role keys
// address the half the next dispatch will write, everything else the half
// it will read.
func (r *pingPongTexture) half(key uniform.Key) int {
	write := key.Role.Has(uniform.RoleWrite) && !key.Role.Has(uniform.RoleRead)
	if write != r.flipped {
		return 1
	}
	return 0
}

func (r *pingPongTexture) Update(key uniform.Key, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	if r.payloadSize != 0 && uint64(len(data)) != r.payloadSize {
		return false, fmt.Errorf("payload for %s is %d bytes, texture takes %d", key, len(data), r.payloadSize)
	}
	half := r.half(key)
	slot, err := slotFor(key, len(r.halves[half]))
	if err != nil {
		return false, err
	}
	h := hashPayload(data)
	if h == r.hashes[half][slot] {
		return false, nil
	}
	if err := r.dev.WriteTexture(r.halves[half][slot], data); err != nil {
		return false, fmt.Errorf("writing ping-pong texture %s: %w", key, err)
	}
	r.hashes[half][slot] = h
	return true, nil
}

func (r *pingPongTexture) handles(key uniform.Key) ([]gpu.ResourceHandle, error) {
	half := r.halves[r.half(key)]
	out := make([]gpu.ResourceHandle, len(half))
	for i, t := range half {
		out[i] = gpu.ResourceHandle{Kind: gpu.KindTexture, Texture: t}
	}
	return out, nil
}

func (r *pingPongTexture) Flip() {
	r.flipped = !r.flipped
}

func (r *pingPongTexture) Cleanup() {
	for half := range r.halves {
		for _, t := range r.halves[half] {
			r.dev.DestroyTexture(t)
		}
		r.halves[half] = nil
	}
}

type pingPongBuffer struct {
	dev     gpu.Device
	pair    *PingPongBinding
	uniform bool
	halves  [2][]gpu.BufferHandle
	hashes  [2][]uint64
	lengths [2][]uint64
	flipped bool
}

func newPingPongBuffer(dev gpu.Device, pair *PingPongBinding) (*pingPongBuffer, error) {
	n := int(max(pair.Read.Binding.ArraySize, 1))
	r := &pingPongBuffer{
		dev:     dev,
		pair:    pair,
		uniform: pair.Read.Binding.Type == gpu.TypeUniformBuffer,
	}
	for half := range 2 {
		r.hashes[half] = make([]uint64, n)
		r.lengths[half] = make([]uint64, n)
		for i := 0; i < n; i++ {
			h, err := dev.CreateBuffer(gpu.BufferDesc{Label: pair.Read.Key.Base, Uniform: r.uniform})
			if err != nil {
				r.Cleanup()
				return nil, fmt.Errorf("allocating ping-pong buffer %s: %w", pair.Read.Key, err)
			}
			r.halves[half] = append(r.halves[half], h)
		}
	}
	return r, nil
}

func (r *pingPongBuffer) half(key uniform.Key) int {
	write := key.Role.Has(uniform.RoleWrite) && !key.Role.Has(uniform.RoleRead)
	if write != r.flipped {
		return 1
	}
	return 0
}

func (r *pingPongBuffer) Update(key uniform.Key, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	half := r.half(key)
	slot, err := slotFor(key, len(r.halves[half]))
	if err != nil {
		return false, err
	}
	h := hashPayload(data)
	if h == r.hashes[half][slot] {
		return false, nil
	}
	if uint64(len(data)) != r.lengths[half][slot] {
		nh, err := r.dev.CreateBuffer(gpu.BufferDesc{
			Label:   r.pair.Read.Key.Base,
			Size:    uint64(len(data)),
			Uniform: r.uniform,
		})
		if err != nil {
			return false, fmt.Errorf("reallocating ping-pong buffer %s: %w", key, err)
		}
		r.dev.DestroyBuffer(r.halves[half][slot])
		r.halves[half][slot] = nh
		r.lengths[half][slot] = uint64(len(data))
	}
	if err := r.dev.WriteBuffer(r.halves[half][slot], data); err != nil {
		return false, fmt.Errorf("writing ping-pong buffer %s: %w", key, err)
	}
	r.hashes[half][slot] = h
	return true, nil
}

func (r *pingPongBuffer) handles(key uniform.Key) ([]gpu.ResourceHandle, error) {
	half := r.halves[r.half(key)]
	out := make([]gpu.ResourceHandle, len(half))
	for i, b := range half {
		out[i] = gpu.ResourceHandle{Kind: gpu.KindBuffer, Buffer: b}
	}
	return out, nil
}

func (r *pingPongBuffer) Flip() {
	r.flipped = !r.flipped
}

func (r *pingPongBuffer) Cleanup() {
	for half := range r.halves {
		for _, b := range r.halves[half] {
			r.dev.DestroyBuffer(b)
		}
		r.halves[half] = nil
	}
}

// ResourceManager owns the GPU resources of one pipeline instance, keyed
// by canonical uniform key. Not safe for concurrent use.
type ResourceManager struct {
	dev       gpu.Device
	log       *zap.Logger
	resources map[uniform.Key]Resource
	order     []uniform.Key

	// Dispatch statistics, for debugging update churn.
	updatesApplied uint64
	updatesSkipped uint64
}

func newResourceManager(dev gpu.Device, an *Analysis, domain Domain, samplerOverrides map[uniform.Key]gpu.SamplerDesc, log *zap.Logger) (*ResourceManager, error) {
	m := &ResourceManager{
		dev:       dev,
		log:       log,
		resources: make(map[uniform.Key]Resource),
	}
	domain = domain.clamped()

	add := func(key uniform.Key, r Resource, err error) error {
		if err != nil {
			m.Cleanup()
			return err
		}
		m.resources[key] = r
		m.order = append(m.order, key)
		return nil
	}

	for _, key := range sortedKeys(an.PingPongs) {
		pair := an.PingPongs[key]
		if pair.Read.Binding.Type == gpu.TypeUniformBuffer || pair.Read.Binding.Type == gpu.TypeStorageBuffer {
			r, err := newPingPongBuffer(dev, pair)
			if err := add(key, r, err); err != nil {
				return nil, err
			}
		} else {
			r, err := newPingPongTexture(dev, pair, domain)
			if err := add(key, r, err); err != nil {
				return nil, err
			}
		}
	}
	for _, key := range sortedKeys(an.Samplers) {
		r, err := newSamplerResource(dev, an.Samplers[key], samplerOverrides[key])
		if err := add(key, r, err); err != nil {
			return nil, err
		}
	}
	for _, key := range sortedKeys(an.Textures) {
		r, err := newTextureResource(dev, an.Textures[key], domain)
		if err := add(key, r, err); err != nil {
			return nil, err
		}
	}
	for _, key := range sortedKeys(an.Buffers) {
		r, err := newBufferResource(dev, an.Buffers[key])
		if err := add(key, r, err); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func sortedKeys[V any](m map[uniform.Key]V) []uniform.Key {
	keys := make([]uniform.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b uniform.Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// Update applies a batch of payloads. Keys with no backing resource are
// reported and skipped; the rest of the batch still applies.
func (m *ResourceManager) Update(data map[uniform.Key][]byte) {
	for _, key := range sortedKeys(data) {
		if key.Role.Has(uniform.RolePush) {
			// Push payloads are consumed at dispatch time, not here.
			continue
		}
		res, ok := m.resources[key.ToCanonical()]
		if !ok {
			m.log.Warn("update for a key with no backing resource",
				zap.Stringer("key", key))
			continue
		}
		applied, err := res.Update(key, data[key])
		if err != nil {
			m.log.Error("resource update failed",
				zap.Stringer("key", key),
				zap.Error(err))
			continue
		}
		if applied {
			m.updatesApplied++
		} else {
			m.updatesSkipped++
		}
	}
}

// BindingSets assembles, for one kernel, the bound entries of every
// descriptor set it references, ordered by slot, with array bindings
// expanded to one entry per element. A binding with no backing resource
// fails the whole query.
func (m *ResourceManager) BindingSets(k *Kernel) (map[uint32][]gpu.BindingEntry, error) {
	sets := make(map[uint32][]gpu.BindingEntry)
	for _, info := range sortedBindings(k.Uniforms) {
		res, ok := m.resources[info.Key.ToCanonical()]
		if !ok {
			return nil, fmt.Errorf("kernel %q: no resource backs binding %s", k.Name, info.Key)
		}
		hs, err := res.handles(info.Key)
		if err != nil {
			return nil, fmt.Errorf("kernel %q: resolving binding %s: %w", k.Name, info.Key, err)
		}
		for _, h := range hs {
			sets[info.Binding.Set] = append(sets[info.Binding.Set], gpu.BindingEntry{
				Slot:     info.Binding.Slot,
				Resource: h,
			})
		}
	}
	return sets, nil
}

// Resource returns the resource backing a key, if any. The key is
// canonicalized first.
func (m *ResourceManager) Resource(key uniform.Key) (Resource, bool) {
	res, ok := m.resources[key.ToCanonical()]
	return res, ok
}

// Cleanup releases every owned handle. Idempotent.
func (m *ResourceManager) Cleanup() {
	for _, key := range m.order {
		m.resources[key].Cleanup()
	}
	m.resources = make(map[uniform.Key]Resource)
	m.order = nil
}
