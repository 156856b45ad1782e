// Package jsontree manipulates decoded JSON documents addressed by path
// segments. Numbers are kept as json.Number so timestamps survive intact.
// Empty objects do not exist: writing one deletes the node, and removing
// the last child of an object removes the object.
package jsontree

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Decode parses raw into a generic tree. Empty input decodes to nil.
func Decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return prune(v), nil
}

// Encode marshals v, returning nil for an absent value. encoding/json
// sorts map keys, so equal trees encode to equal bytes.
func Encode(v any) (json.RawMessage, error) {
	v = prune(v)
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Canonical re-encodes raw so that it can be compared byte for byte.
func Canonical(raw json.RawMessage) (json.RawMessage, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return Encode(v)
}

func Get(node any, segs []string) any {
	for _, s := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[s]
	}
	return node
}

// Set replaces the value at segs (nil deletes) and returns the new root.
// Maps along the path are modified in place.
func Set(node any, segs []string, v any) any {
	if len(segs) == 0 {
		return prune(v)
	}
	m, ok := node.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}
	child := Set(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Update writes each field relative to segs. A field name may itself be a
// slash separated relative path.
func Update(node any, segs []string, fields map[string]any) any {
	for name, v := range fields {
		rel := splitRel(name)
		full := make([]string, 0, len(segs)+len(rel))
		full = append(full, segs...)
		full = append(full, rel...)
		node = Set(node, full, v)
	}
	return node
}

// Children lists the direct children of the object at segs.
func Children(node any, segs []string) map[string]any {
	m, _ := Get(node, segs).(map[string]any)
	return m
}

// ResolveServerValues replaces every {".sv":"timestamp"} placeholder with
// nowMillis.
func ResolveServerValues(v any, nowMillis int64) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if sv, ok := x[".sv"].(string); ok && sv == "timestamp" {
				return json.Number(strconv.FormatInt(nowMillis, 10))
			}
		}
		for k, c := range x {
			x[k] = ResolveServerValues(c, nowMillis)
		}
		return x
	case []any:
		for i, c := range x {
			x[i] = ResolveServerValues(c, nowMillis)
		}
		return x
	default:
		return v
	}
}

// DecodeResolved decodes raw and resolves server placeholders in one go.
func DecodeResolved(raw json.RawMessage, nowMillis int64) (any, error) {
	v, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return ResolveServerValues(v, nowMillis), nil
}

func prune(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, c := range x {
			if p := prune(c); p == nil {
				delete(x, k)
			} else {
				x[k] = p
			}
		}
		if len(x) == 0 {
			return nil
		}
		return x
	default:
		return v
	}
}

func splitRel(name string) []string {
	out := make([]string, 0, 2)
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '/' {
			if i > start {
				out = append(out, name[start:i])
			}
			start = i + 1
		}
	}
	return out
}
