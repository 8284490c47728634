package ot

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// JSON0 is the JSON document type. An op is a list of components, each
// addressing a path p into the document:
//
//	{"p":[...,key],"oi":v}            insert object key
//	{"p":[...,key],"od":v}            delete object key
//	{"p":[...,key],"od":v,"oi":w}     replace object key
//	{"p":[...,idx],"li":v}            insert list item
//	{"p":[...,idx],"ld":v}            delete list item
//	{"p":[...,idx],"ld":v,"li":w}     replace list item
//	{"p":[...,key],"na":n}            add n to a number
//	{"p":[...,offset],"si":s}         insert into a string
//	{"p":[...,offset],"sd":s}         delete from a string
type JSON0 struct{}

const JSON0URI = "http://sharejs.org/types/JSONv0"

func (JSON0) Name() string { return "json0" }
func (JSON0) URI() string  { return JSON0URI }

func (JSON0) Create(initial any) (any, error) {
	return cloneValue(initial), nil
}

func (JSON0) Apply(data, op any) (any, error) {
	comps, err := ParseJSON0(op)
	if err != nil {
		return nil, err
	}
	root := map[string]any{"data": cloneValue(data)}
	for i, c := range comps {
		if err := applyComponent(root, c); err != nil {
			return nil, fmt.Errorf("json0: component %d: %w", i, err)
		}
	}
	return root["data"], nil
}

func (JSON0) Transform(op, other any, side Side) (any, error) {
	left, err := ParseJSON0(op)
	if err != nil {
		return nil, err
	}
	right, err := ParseJSON0(other)
	if err != nil {
		return nil, err
	}
	return encodeJSON0(transformJSON0(left, right, side)), nil
}

func (JSON0) Compose(a, b any) (any, error) {
	x, err := ParseJSON0(a)
	if err != nil {
		return nil, err
	}
	y, err := ParseJSON0(b)
	if err != nil {
		return nil, err
	}
	out := append([]JSON0Component(nil), x...)
	for _, c := range y {
		out = appendComponent(out, c)
	}
	return encodeJSON0(out), nil
}

func (JSON0) Invert(op any) (any, error) {
	comps, err := ParseJSON0(op)
	if err != nil {
		return nil, err
	}
	out := make([]JSON0Component, 0, len(comps))
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i].clone()
		c.OI, c.OD, c.HasOI, c.HasOD = c.OD, c.OI, c.HasOD, c.HasOI
		c.LI, c.LD, c.HasLI, c.HasLD = c.LD, c.LI, c.HasLD, c.HasLI
		c.SI, c.SD, c.HasSI, c.HasSD = c.SD, c.SI, c.HasSD, c.HasSI
		if c.HasNA {
			c.NA = -c.NA
		}
		out = append(out, c)
	}
	return encodeJSON0(out), nil
}

func (JSON0) IsNoop(op any) bool {
	comps, err := ParseJSON0(op)
	return err == nil && len(comps) == 0
}

// JSON0Component is one parsed json0 component. Path elements are string
// object keys or int list indexes / string offsets.
type JSON0Component struct {
	P []any

	OI, OD, LI, LD any
	HasOI, HasOD   bool
	HasLI, HasLD   bool

	NA    float64
	HasNA bool

	SI, SD       string
	HasSI, HasSD bool
}

func (c JSON0Component) clone() JSON0Component {
	out := c
	out.P = append([]any(nil), c.P...)
	out.OI, out.OD = cloneValue(c.OI), cloneValue(c.OD)
	out.LI, out.LD = cloneValue(c.LI), cloneValue(c.LD)
	return out
}

func (c JSON0Component) isStringOp() bool { return c.HasSI || c.HasSD }

// opLen is the effective path length; number ops address the value itself.
func (c JSON0Component) opLen() int {
	if c.HasNA {
		return len(c.P) + 1
	}
	return len(c.P)
}

func (c JSON0Component) toMap() map[string]any {
	m := map[string]any{"p": append([]any{}, c.P...)}
	if c.HasOI {
		m["oi"] = c.OI
	}
	if c.HasOD {
		m["od"] = c.OD
	}
	if c.HasLI {
		m["li"] = c.LI
	}
	if c.HasLD {
		m["ld"] = c.LD
	}
	if c.HasNA {
		m["na"] = c.NA
	}
	if c.HasSI {
		m["si"] = c.SI
	}
	if c.HasSD {
		m["sd"] = c.SD
	}
	return m
}

// Path returns the component's path.
func (c JSON0Component) Path() []any { return c.P }

// ParseJSON0 decodes a json0 op from its JSON-compatible form.
func ParseJSON0(op any) ([]JSON0Component, error) {
	switch v := op.(type) {
	case nil:
		return nil, nil
	case []JSON0Component:
		return v, nil
	case []any:
		comps := make([]JSON0Component, 0, len(v))
		for i, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("json0: component %d is %T, not an object", i, raw)
			}
			c, err := parseComponent(m)
			if err != nil {
				return nil, fmt.Errorf("json0: component %d: %w", i, err)
			}
			comps = append(comps, c)
		}
		return comps, nil
	case []map[string]any:
		generic := make([]any, len(v))
		for i := range v {
			generic[i] = v[i]
		}
		return ParseJSON0(generic)
	}
	var generic []any
	if err := decodeJSON(op, &generic); err != nil {
		return nil, fmt.Errorf("json0: op must be a list of components: %w", err)
	}
	return ParseJSON0(generic)
}

// componentKeys are the json0 component fields this implementation knows.
// Subtype (t) and list move (lm) components are rejected.
var componentKeys = map[string]bool{
	"p": true, "oi": true, "od": true, "li": true, "ld": true, "na": true, "si": true, "sd": true,
}

func parseComponent(m map[string]any) (JSON0Component, error) {
	var c JSON0Component
	for k := range m {
		if !componentKeys[k] {
			return c, fmt.Errorf("unsupported component key %q", k)
		}
	}
	rawPath, ok := m["p"].([]any)
	if !ok {
		if m["p"] != nil {
			return c, fmt.Errorf("path must be a list")
		}
		return c, fmt.Errorf("missing path")
	}
	c.P = make([]any, len(rawPath))
	for i, el := range rawPath {
		switch k := el.(type) {
		case string:
			c.P[i] = k
		default:
			n, ok := toInt(el)
			if !ok {
				return c, fmt.Errorf("path element %d must be a string or integer, got %T", i, el)
			}
			c.P[i] = n
		}
	}
	c.OI, c.HasOI = m["oi"]
	c.OD, c.HasOD = m["od"]
	c.LI, c.HasLI = m["li"]
	c.LD, c.HasLD = m["ld"]
	if v, ok := m["na"]; ok {
		n, ok := toFloat(v)
		if !ok {
			return c, fmt.Errorf("na must be a number")
		}
		c.NA, c.HasNA = n, true
	}
	if v, ok := m["si"]; ok {
		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf("si must be a string")
		}
		c.SI, c.HasSI = s, true
	}
	if v, ok := m["sd"]; ok {
		s, ok := v.(string)
		if !ok {
			return c, fmt.Errorf("sd must be a string")
		}
		c.SD, c.HasSD = s, true
	}
	if c.isStringOp() || c.HasLI || c.HasLD {
		if len(c.P) == 0 {
			return c, fmt.Errorf("list and string ops need a non-empty path")
		}
		if _, ok := c.P[len(c.P)-1].(int); !ok {
			return c, fmt.Errorf("list and string ops need an integer final path element")
		}
	}
	return c, nil
}

// EncodeJSON0 converts parsed components back to their JSON-compatible form.
func EncodeJSON0(comps []JSON0Component) []any { return encodeJSON0(comps) }

func encodeJSON0(comps []JSON0Component) []any {
	out := make([]any, len(comps))
	for i, c := range comps {
		out[i] = c.toMap()
	}
	return out
}

func applyComponent(root map[string]any, c JSON0Component) error {
	path := append([]any{"data"}, c.P...)

	if c.isStringOp() {
		offset := path[len(path)-1].(int)
		_, err := updateAt(root, path[:len(path)-1], func(node any) (any, error) {
			s, ok := node.(string)
			if !ok {
				return nil, fmt.Errorf("string op on %T", node)
			}
			runes := []rune(s)
			if offset < 0 || offset > len(runes) {
				return nil, fmt.Errorf("string offset %d out of range", offset)
			}
			if c.HasSI {
				return string(runes[:offset]) + c.SI + string(runes[offset:]), nil
			}
			n := len([]rune(c.SD))
			if offset+n > len(runes) {
				return nil, fmt.Errorf("string delete past end")
			}
			if string(runes[offset:offset+n]) != c.SD {
				return nil, fmt.Errorf("deleted string does not match")
			}
			return string(runes[:offset]) + string(runes[offset+n:]), nil
		})
		return err
	}

	key := path[len(path)-1]
	_, err := updateAt(root, path[:len(path)-1], func(node any) (any, error) {
		switch {
		case c.HasNA:
			m, i, err := container(node, key)
			if err != nil {
				return nil, err
			}
			cur, ok := toFloat(get(m, i))
			if !ok {
				return nil, fmt.Errorf("na on non-number")
			}
			return set(node, key, cur+c.NA)

		case c.HasLI || c.HasLD:
			list, ok := node.([]any)
			if !ok {
				return nil, fmt.Errorf("list op on %T", node)
			}
			idx := key.(int)
			switch {
			case c.HasLI && c.HasLD:
				if idx < 0 || idx >= len(list) {
					return nil, fmt.Errorf("list index %d out of range", idx)
				}
				list[idx] = cloneValue(c.LI)
				return list, nil
			case c.HasLI:
				if idx < 0 || idx > len(list) {
					return nil, fmt.Errorf("list index %d out of range", idx)
				}
				list = append(list, nil)
				copy(list[idx+1:], list[idx:])
				list[idx] = cloneValue(c.LI)
				return list, nil
			default:
				if idx < 0 || idx >= len(list) {
					return nil, fmt.Errorf("list index %d out of range", idx)
				}
				return append(list[:idx], list[idx+1:]...), nil
			}

		case c.HasOI || c.HasOD:
			m, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("object op on %T", node)
			}
			k, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("object key must be a string")
			}
			if c.HasOI {
				m[k] = cloneValue(c.OI)
			} else {
				delete(m, k)
			}
			return m, nil
		}
		// A bare path is a no-op component.
		return node, nil
	})
	return err
}

// updateAt replaces the value at path with fn's result, rebuilding the
// containers along the way.
func updateAt(node any, path []any, fn func(any) (any, error)) (any, error) {
	if len(path) == 0 {
		return fn(node)
	}
	switch n := node.(type) {
	case map[string]any:
		k, ok := path[0].(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %T", path[0])
		}
		child, ok := n[k]
		if !ok {
			return nil, fmt.Errorf("path key %q not found", k)
		}
		v, err := updateAt(child, path[1:], fn)
		if err != nil {
			return nil, err
		}
		n[k] = v
		return n, nil
	case []any:
		i, ok := path[0].(int)
		if !ok || i < 0 || i >= len(n) {
			return nil, fmt.Errorf("list index %v out of range", path[0])
		}
		v, err := updateAt(n[i], path[1:], fn)
		if err != nil {
			return nil, err
		}
		n[i] = v
		return n, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T", node)
	}
}

func container(node, key any) (any, any, error) {
	switch n := node.(type) {
	case map[string]any:
		if _, ok := key.(string); ok {
			return n, key, nil
		}
	case []any:
		if i, ok := key.(int); ok && i >= 0 && i < len(n) {
			return n, key, nil
		}
	}
	return nil, nil, fmt.Errorf("bad key %v for %T", key, node)
}

func get(node, key any) any {
	switch n := node.(type) {
	case map[string]any:
		return n[key.(string)]
	case []any:
		return n[key.(int)]
	}
	return nil
}

func set(node, key, v any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		n[key.(string)] = v
	case []any:
		n[key.(int)] = v
	}
	return node, nil
}

// appendComponent adds c to dest, merging it into the last component when
// both address the same path.
func appendComponent(dest []JSON0Component, c JSON0Component) []JSON0Component {
	c = c.clone()
	if (c.HasSI && c.SI == "") || (c.HasSD && c.SD == "") {
		return dest
	}
	if len(dest) == 0 {
		return append(dest, c)
	}
	last := &dest[len(dest)-1]
	if !pathEqual(c.P, last.P) {
		return append(dest, c)
	}
	switch {
	case last.HasNA && c.HasNA:
		last.NA += c.NA
	case last.HasLI && !c.HasLI && c.HasLD && reflect.DeepEqual(c.LD, last.LI):
		// Insert immediately followed by delete.
		if last.HasLD {
			last.LI, last.HasLI = nil, false
		} else {
			dest = dest[:len(dest)-1]
		}
	case last.HasOD && !last.HasOI && c.HasOI && !c.HasOD:
		last.OI, last.HasOI = c.OI, true
	case last.HasOI && c.HasOD:
		switch {
		case c.HasOI:
			last.OI = c.OI
		case last.HasOD:
			last.OI, last.HasOI = nil, false
		default:
			dest = dest[:len(dest)-1]
		}
	default:
		dest = append(dest, c)
	}
	return dest
}

func pathEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone deep-copies a JSON-compatible value, normalizing numbers to float64.
// Values of other Go types are normalized through encoding/json.
func Clone(v any) any { return cloneValue(v) }

func cloneValue(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneValue(val)
		}
		return out
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
