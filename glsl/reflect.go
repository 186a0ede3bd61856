// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package glsl extracts binding metadata from compute kernel source text.
//
// Reflection is structural pattern matching over the declarative binding
// statements of Vulkan-flavored GLSL. Each supported declaration variant is
// handled by its own matcher behind a shared contract, so variants can be
// added without touching the shared traversal or validation logic. The
// reflector does not parse GLSL; it only recognizes resource-binding
// declarations, the push-constant block, and the local workgroup size.
package glsl

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"honnef.co/go/kpipe/gpu"
)

// Binding is the declared shape of one resource binding.
type Binding struct {
	Name      string
	Type      gpu.ResourceType
	Set       uint32
	Slot      uint32
	ArraySize uint32
	Format    gpu.Format
	Dimension gpu.Dimension
	Access    gpu.Access
}

// Result is the outcome of reflecting one kernel source.
type Result struct {
	Bindings        []Binding
	HasPushConstant bool
	LocalSize       [3]uint32
}

// formats maps GLSL format qualifiers to data formats.
var formats = map[string]gpu.Format{
	"r8":          gpu.FormatR8,
	"rg8":         gpu.FormatRG8,
	"rgba8":       gpu.FormatRGBA8,
	"rgba8_snorm": gpu.FormatRGBA8Snorm,
	"r16f":        gpu.FormatR16F,
	"rg16f":       gpu.FormatRG16F,
	"rgba16f":     gpu.FormatRGBA16F,
	"r32f":        gpu.FormatR32F,
	"rg32f":       gpu.FormatRG32F,
	"rgba32f":     gpu.FormatRGBA32F,
	"r32ui":       gpu.FormatR32UI,
	"rg32ui":      gpu.FormatRG32UI,
	"rgba32ui":    gpu.FormatRGBA32UI,
	"r32i":        gpu.FormatR32I,
}

var dimensions = map[string]gpu.Dimension{
	"1D":   gpu.Dim1D,
	"2D":   gpu.Dim2D,
	"3D":   gpu.Dim3D,
	"Cube": gpu.DimCube,
}

// layoutArgs is the parsed content of one layout(...) qualifier list:
// key=value pairs plus bare tokens such as format names.
type layoutArgs struct {
	kv   map[string]string
	bare []string
}

func parseLayoutArgs(s string) layoutArgs {
	args := layoutArgs{kv: make(map[string]string)}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			args.kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
		} else {
			args.bare = append(args.bare, part)
		}
	}
	return args
}

func (a layoutArgs) uint(key string) (uint32, bool) {
	v, ok := a.kv[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func (a layoutArgs) format() (gpu.Format, bool) {
	for _, tok := range a.bare {
		if f, ok := formats[tok]; ok {
			return f, true
		}
	}
	return gpu.FormatUndefined, false
}

func (a layoutArgs) has(key string) bool {
	for _, tok := range a.bare {
		if tok == key {
			return true
		}
	}
	return false
}

// matcher recognizes one binding-declaration variant. Submatch layout is
// matcher-specific; extract turns one match into a Binding or rejects it
// with a diagnostic.
type matcher struct {
	variant string
	re      *regexp.Regexp
	extract func(r *reflector, variant string, m []string) (Binding, bool)
}

const memQuals = `(?:(?:readonly|writeonly|coherent|volatile|restrict)\s+)*`

// Matchers run in registration order; output order is registration order,
// then source order within a matcher. Binding-slot order is not meaningful.
var matchers = []matcher{
	{
		variant: "sampler",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+sampler\s+(\w+)\s*(?:\[\s*(\d+)\s*\])?\s*;`),
		extract: extractOpaque(gpu.TypeSampler, gpu.DimUndefined),
	},
	{
		variant: "combined sampler",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+sampler(1D|2D|3D|Cube)\s+(\w+)\s*(?:\[\s*(\d+)\s*\])?\s*;`),
		extract: extractDimensioned(gpu.TypeCombinedSampler),
	},
	{
		variant: "texture",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+texture(1D|2D|3D|Cube)\s+(\w+)\s*(?:\[\s*(\d+)\s*\])?\s*;`),
		extract: extractDimensioned(gpu.TypeTexture),
	},
	{
		variant: "sampler buffer",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+samplerBuffer\s+(\w+)\s*(?:\[\s*(\d+)\s*\])?\s*;`),
		extract: extractOpaque(gpu.TypeSamplerBuffer, gpu.DimBuffer),
	},
	{
		variant: "image",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+(` + memQuals + `)image(1D|2D|3D)\s+(\w+)\s*(?:\[\s*(\d+)\s*\])?\s*;`),
		extract: extractImage,
	},
	{
		variant: "image buffer",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+(` + memQuals + `)imageBuffer\s+(\w+)\s*(?:\[\s*(\d+)\s*\])?\s*;`),
		extract: extractImageBuffer,
	},
	{
		variant: "uniform block",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+(\w+)\s*\{[^}]*\}\s*(\w*)\s*;`),
		extract: extractUniformBlock,
	},
	{
		variant: "storage buffer",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*(` + memQuals + `)buffer\s+(\w+)\s*\{[^}]*\}\s*(\w*)\s*;`),
		extract: extractStorageBuffer,
	},
	{
		variant: "input attachment",
		re:      regexp.MustCompile(`layout\s*\(([^)]*)\)\s*uniform\s+subpassInput\s+(\w+)\s*;`),
		extract: extractInputAttachment,
	},
}

var localSizeRe = regexp.MustCompile(`layout\s*\(([^)]*)\)\s*in\s*;`)
var pushConstantRe = regexp.MustCompile(`layout\s*\([^)]*\bpush_constant\b[^)]*\)`)

type reflector struct {
	log *zap.Logger
}

// Reflect extracts the binding declarations, push-constant presence, and
// local workgroup size from kernel source text. Declarations that match a
// variant syntactically but miss a required field are dropped with a
// diagnostic; reflection always returns a result.
func Reflect(source []byte, log *zap.Logger) Result {
	if log == nil {
		log = zap.NewNop()
	}
	r := &reflector{log: log}
	src := stripComments(string(source))

	res := Result{
		HasPushConstant: pushConstantRe.MatchString(src),
		LocalSize:       r.localSize(src),
	}

	for _, m := range matchers {
		for _, match := range m.re.FindAllStringSubmatch(src, -1) {
			if b, ok := m.extract(r, m.variant, match); ok {
				res.Bindings = append(res.Bindings, b)
			}
		}
	}
	return res
}

func (r *reflector) localSize(src string) [3]uint32 {
	size := [3]uint32{1, 1, 1}
	for _, m := range localSizeRe.FindAllStringSubmatch(src, -1) {
		if !strings.Contains(m[1], "local_size_") {
			continue
		}
		args := parseLayoutArgs(m[1])
		found := 0
		for i, axis := range []string{"x", "y", "z"} {
			if n, ok := args.uint("local_size_" + axis); ok {
				size[i] = n
				found++
			}
		}
		switch {
		case found == 0:
			r.log.Warn("local size declaration did not parse any component",
				zap.String("declaration", m[0]))
		case found < 3:
			r.log.Warn("local size declaration names only some components; missing ones default to 1",
				zap.String("declaration", m[0]),
				zap.Int("found", found))
		}
	}
	return size
}

// dropf reports a declaration that matched a variant but misses a required
// field, naming the variant, the field, and the offending text.
func (r *reflector) dropf(variant, field, text string) {
	r.log.Warn("dropping binding declaration with missing required field",
		zap.String("variant", variant),
		zap.String("field", field),
		zap.String("declaration", text))
}

// common handles the fields shared by every variant: required binding
// slot, optional set, optional array size, optional format.
func (r *reflector) common(variant, text, rawArgs, rawArraySize string) (Binding, layoutArgs, bool) {
	args := parseLayoutArgs(rawArgs)
	slot, ok := args.uint("binding")
	if !ok {
		r.dropf(variant, "binding", text)
		return Binding{}, args, false
	}
	b := Binding{Slot: slot, ArraySize: 1}
	if set, ok := args.uint("set"); ok {
		b.Set = set
	}
	if rawArraySize != "" {
		n, err := strconv.ParseUint(rawArraySize, 10, 32)
		if err != nil || n == 0 {
			r.dropf(variant, "array size", text)
			return Binding{}, args, false
		}
		b.ArraySize = uint32(n)
	}
	if f, ok := args.format(); ok {
		b.Format = f
	}
	return b, args, true
}

// extractOpaque covers variants with a fixed dimensionality and no access
// qualifiers: plain samplers and sampler buffers.
func extractOpaque(typ gpu.ResourceType, dim gpu.Dimension) func(*reflector, string, []string) (Binding, bool) {
	return func(r *reflector, variant string, m []string) (Binding, bool) {
		b, _, ok := r.common(variant, m[0], m[1], m[3])
		if !ok {
			return Binding{}, false
		}
		b.Name = m[2]
		b.Type = typ
		b.Dimension = dim
		b.Access = gpu.AccessReadOnly
		return b, true
	}
}

// extractDimensioned covers sampled variants whose dimensionality comes
// from the type suffix: sampler2D, texture2D and friends.
func extractDimensioned(typ gpu.ResourceType) func(*reflector, string, []string) (Binding, bool) {
	return func(r *reflector, variant string, m []string) (Binding, bool) {
		b, _, ok := r.common(variant, m[0], m[1], m[4])
		if !ok {
			return Binding{}, false
		}
		b.Name = m[3]
		b.Type = typ
		b.Dimension = dimensions[m[2]]
		b.Access = gpu.AccessReadOnly
		return b, true
	}
}

func accessFromQualifiers(quals string) gpu.Access {
	switch {
	case strings.Contains(quals, "readonly"):
		return gpu.AccessReadOnly
	case strings.Contains(quals, "writeonly"):
		return gpu.AccessWriteOnly
	default:
		return gpu.AccessReadWrite
	}
}

func extractImage(r *reflector, variant string, m []string) (Binding, bool) {
	b, _, ok := r.common(variant, m[0], m[1], m[5])
	if !ok {
		return Binding{}, false
	}
	if b.Format == gpu.FormatUndefined {
		r.dropf(variant, "format", m[0])
		return Binding{}, false
	}
	b.Name = m[4]
	b.Type = gpu.TypeImage
	b.Dimension = dimensions[m[3]]
	b.Access = accessFromQualifiers(m[2])
	return b, true
}

func extractImageBuffer(r *reflector, variant string, m []string) (Binding, bool) {
	b, _, ok := r.common(variant, m[0], m[1], m[4])
	if !ok {
		return Binding{}, false
	}
	if b.Format == gpu.FormatUndefined {
		r.dropf(variant, "format", m[0])
		return Binding{}, false
	}
	b.Name = m[3]
	b.Type = gpu.TypeImageBuffer
	b.Dimension = gpu.DimBuffer
	b.Access = accessFromQualifiers(m[2])
	return b, true
}

func extractUniformBlock(r *reflector, variant string, m []string) (Binding, bool) {
	// The push-constant block shares the uniform block syntax; it is
	// reported through HasPushConstant, not as a binding.
	if parseLayoutArgs(m[1]).has("push_constant") {
		return Binding{}, false
	}
	b, _, ok := r.common(variant, m[0], m[1], "")
	if !ok {
		return Binding{}, false
	}
	// The instance name, when present, is the name data updates address.
	if m[3] != "" {
		b.Name = m[3]
	} else {
		b.Name = m[2]
	}
	b.Type = gpu.TypeUniformBuffer
	b.Dimension = gpu.DimBuffer
	b.Access = gpu.AccessReadOnly
	return b, true
}

func extractStorageBuffer(r *reflector, variant string, m []string) (Binding, bool) {
	b, _, ok := r.common(variant, m[0], m[1], "")
	if !ok {
		return Binding{}, false
	}
	if m[4] != "" {
		b.Name = m[4]
	} else {
		b.Name = m[3]
	}
	b.Type = gpu.TypeStorageBuffer
	b.Dimension = gpu.DimBuffer
	b.Access = accessFromQualifiers(m[2])
	return b, true
}

func extractInputAttachment(r *reflector, variant string, m []string) (Binding, bool) {
	b, _, ok := r.common(variant, m[0], m[1], "")
	if !ok {
		return Binding{}, false
	}
	b.Name = m[2]
	b.Type = gpu.TypeInputAttachment
	b.Dimension = gpu.Dim2D
	b.Access = gpu.AccessReadOnly
	return b, true
}

// stripComments blanks out line and block comments. Block comments do not
// nest and terminate at the first closing marker. Comment bytes are
// replaced rather than removed so surrounding tokens cannot fuse.
func stripComments(src string) string {
	out := []byte(src)
	for i := 0; i < len(out); {
		switch {
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case out[i] == '/' && i+1 < len(out) && out[i+1] == '*':
			end := strings.Index(string(out[i+2:]), "*/")
			if end == -1 {
				end = len(out)
			} else {
				end = i + 2 + end + 2
			}
			for ; i < end; i++ {
				if out[i] != '\n' {
					out[i] = ' '
				}
			}
		default:
			i++
		}
	}
	return string(out)
}
