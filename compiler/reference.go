package compiler

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Reference is a step input that, instead of an immediate JSON value,
// names a dot-path against a Source object (spec.md §4.5). Exactly one of
// Immediate or Path is set; a decoded step input mapping is a tree of
// these (see Mapping).
type Reference struct {
	// Path is a dot-path like "steps.fetchUser.output.email" or
	// "variables.loop_indices.0". Array indices are path segments that
	// parse as integers.
	Path string

	// Default is returned when Path resolves to nothing. Per spec.md
	// §4.5, missing paths are not an error: resolution is strict in that
	// it never guesses a nearby key, but always yields Default (nil if
	// unset) rather than failing the step.
	Default any

	// Immediate, when Path is empty, is the literal value itself.
	Immediate any
}

// UnmarshalJSON lets a workflow author write either a reference object
// ({"path": "...", "default": ...}) or a bare literal ("x", 3, true, a
// nested object/array) in an input mapping, the latter becoming Immediate.
// A bare JSON object is read as a reference object only if it carries a
// "path" or "immediate" key; any other object is itself the immediate
// value (e.g. a literal map passed straight through to a capability).
func (r *Reference) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err == nil {
			_, hasPath := probe["path"]
			_, hasImmediate := probe["immediate"]
			if hasPath || hasImmediate {
				var w struct {
					Path      string `json:"path"`
					Default   any    `json:"default"`
					Immediate any    `json:"immediate"`
				}
				if err := json.Unmarshal(data, &w); err != nil {
					return err
				}
				r.Path, r.Default, r.Immediate = w.Path, w.Default, w.Immediate
				return nil
			}
		}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	r.Immediate = v
	return nil
}

// Source is the {data, variables, steps} object references resolve
// against. Variables carries loop_indices/_index injected by While/Split
// (spec.md §4.5) alongside any workflow-level variables.
type Source struct {
	Data      map[string]any
	Variables map[string]any
	Steps     map[string]any
}

func (s Source) asMap() map[string]any {
	return map[string]any{
		"data":      s.Data,
		"variables": s.Variables,
		"steps":     s.Steps,
	}
}

// Resolve evaluates r against src, returning r.Default (possibly nil) if
// r is a Reference whose Path doesn't fully resolve.
func (r Reference) Resolve(src Source) any {
	if r.Path == "" {
		return r.Immediate
	}
	v, ok := resolvePath(src.asMap(), r.Path)
	if !ok {
		return r.Default
	}
	return v
}

// ResolvePath resolves a bare dot-path against src directly, for
// compiler/expr.Resolver adapters and Switch case matching.
func ResolvePath(src Source, path string, def any) any {
	v, ok := resolvePath(src.asMap(), path)
	if !ok {
		return def
	}
	return v
}

func resolvePath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch container := cur.(type) {
		case map[string]any:
			v, ok := container[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(container) {
				return nil, false
			}
			cur = container[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Mapping is a step's input object: keys to either immediate values or
// References, resolved all at once into a plain map for the capability
// call / output store.
type Mapping map[string]Reference

// Resolve evaluates every entry of m against src.
func (m Mapping) Resolve(src Source) map[string]any {
	out := make(map[string]any, len(m))
	for k, ref := range m {
		out[k] = ref.Resolve(src)
	}
	return out
}
