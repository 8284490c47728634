package ot

import (
	"encoding/json"
	"fmt"
)

// Text is a plain-text type. Documents are strings; ops are TextOp values
// (or their JSON form, {"ops":[{"retain":n},{"insert":s},{"delete":n}]}).
type Text struct{}

const TextURI = "http://sharejs.org/types/textv1"

func (Text) Name() string { return "text" }
func (Text) URI() string  { return TextURI }

func (Text) Create(initial any) (any, error) {
	switch v := initial.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return nil, fmt.Errorf("text: initial data must be a string, got %T", initial)
	}
}

func (Text) Apply(data, op any) (any, error) {
	doc, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("text: document must be a string, got %T", data)
	}
	top, err := DecodeTextOp(op)
	if err != nil {
		return nil, err
	}
	return ApplyText(doc, top)
}

func (Text) Transform(op, other any, side Side) (any, error) {
	a, err := DecodeTextOp(op)
	if err != nil {
		return nil, err
	}
	b, err := DecodeTextOp(other)
	if err != nil {
		return nil, err
	}
	aPrime, _, err := TransformText(a, b, side)
	if err != nil {
		return nil, err
	}
	return aPrime, nil
}

func (Text) Compose(a, b any) (any, error) {
	x, err := DecodeTextOp(a)
	if err != nil {
		return nil, err
	}
	y, err := DecodeTextOp(b)
	if err != nil {
		return nil, err
	}
	return ComposeText(x, y)
}

func (Text) IsNoop(op any) bool {
	top, err := DecodeTextOp(op)
	return err == nil && top.IsNoop()
}

// TextPresence is a cursor or selection in a text document.
type TextPresence struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

func (Text) TransformPresence(presence, op any, isOwnOp bool) (any, error) {
	if presence == nil {
		return nil, nil
	}
	var p TextPresence
	if err := decodeJSON(presence, &p); err != nil {
		return nil, fmt.Errorf("text: bad presence: %w", err)
	}
	top, err := DecodeTextOp(op)
	if err != nil {
		return nil, err
	}
	start := transformCursor(p.Index, top, isOwnOp)
	end := transformCursor(p.Index+p.Length, top, isOwnOp)
	return TextPresence{Index: start, Length: end - start}, nil
}

func (Text) ComparePresence(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var x, y TextPresence
	if decodeJSON(a, &x) != nil || decodeJSON(b, &y) != nil {
		return false
	}
	return x == y
}

// transformCursor maps a position in the op's input to its output.
// Inserts exactly at the cursor push it right only for the cursor's own ops.
func transformCursor(pos int, op TextOp, isOwnOp bool) int {
	cursor, out := 0, pos
	for _, c := range op.Ops {
		if cursor > pos {
			break
		}
		switch {
		case c.IsRetain():
			cursor += c.Retain
		case c.IsInsert():
			if cursor < pos || isOwnOp {
				out += c.insertLen()
			}
		case c.IsDelete():
			if cursor < pos {
				out -= min(c.Delete, pos-cursor)
			}
			cursor += c.Delete
		}
	}
	return out
}

// DecodeTextOp accepts a TextOp or any JSON-compatible encoding of one.
func DecodeTextOp(v any) (TextOp, error) {
	switch op := v.(type) {
	case TextOp:
		return op, nil
	case *TextOp:
		if op == nil {
			return TextOp{}, fmt.Errorf("text: nil op")
		}
		return *op, nil
	case []any:
		var comps []Component
		if err := decodeJSON(op, &comps); err != nil {
			return TextOp{}, fmt.Errorf("text: bad op: %w", err)
		}
		return TextOp{Ops: comps}, nil
	}
	var top TextOp
	if err := decodeJSON(v, &top); err != nil {
		return TextOp{}, fmt.Errorf("text: bad op: %w", err)
	}
	return top, nil
}

// decodeJSON converts a JSON-compatible value into out.
func decodeJSON(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
