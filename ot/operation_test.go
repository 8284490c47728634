package ot

import (
	"testing"

	"github.com/alimasry/otsync/errs"
)

// Text ops as they arrive off the wire: a list of component objects with
// float64 lengths.
func ret(n int) any       { return map[string]any{"retain": float64(n)} }
func ins(s string) any    { return map[string]any{"insert": s} }
func del(n int) any       { return map[string]any{"delete": float64(n)} }
func wire(c ...any) []any { return c }

func TestText_Create(t *testing.T) {
	tests := []struct {
		name    string
		initial any
		want    any
		wantErr bool
	}{
		{"nil", nil, "", false},
		{"string", "hello", "hello", false},
		{"number", 3.0, nil, true},
		{"object", map[string]any{"s": "x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Create(Text{}, tt.initial)
			if tt.wantErr {
				if errs.CodeOf(err) != errs.OpNotApplied {
					t.Errorf("err = %v, want %s", err, errs.OpNotApplied)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Create() = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestText_Apply(t *testing.T) {
	tests := []struct {
		name    string
		doc     any
		op      any
		want    string
		wantErr bool
	}{
		{"insert at start", "hello", wire(ins("X"), ret(5)), "Xhello", false},
		{"insert at end", "hello", wire(ret(5), ins("!")), "hello!", false},
		{"replace middle", "hello", wire(ret(1), del(3), ins("ipp"), ret(1)), "hippo", false},
		{"delete all", "hello", wire(del(5)), "", false},
		{"empty op on empty doc", "", wire(), "", false},
		{"runes not bytes", "héllo", wire(ret(2), del(1), ret(2)), "hélo", false},
		{"insert emoji", "ab", wire(ret(1), ins("🙂"), ret(1)), "a🙂b", false},
		{"object form", "ab", map[string]any{"ops": wire(ret(2), ins("c"))}, "abc", false},
		{"typed op", "ab", NewDelete(0, 1, 2), "b", false},
		{"too short", "hello", wire(ret(3)), "", true},
		{"too long", "hi", wire(ret(3), ins("x")), "", true},
		{"component not an object", "hi", wire("retain"), "", true},
		{"non-numeric length", "hi", wire(map[string]any{"retain": "two"}), "", true},
		{"document not a string", 4.0, wire(ins("x")), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(Text{}, tt.doc, tt.op)
			if tt.wantErr {
				if errs.CodeOf(err) != errs.OpNotApplied {
					t.Errorf("err = %v, want %s", err, errs.OpNotApplied)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Apply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestText_ApplyDoesNotMutateOp(t *testing.T) {
	op := wire(ret(1), ins("x"), ret(1))
	if _, err := Apply(Text{}, "ab", op); err != nil {
		t.Fatal(err)
	}
	if op[1].(map[string]any)["insert"] != "x" || len(op) != 3 {
		t.Errorf("op mutated: %v", op)
	}
}

func TestText_IsNoop(t *testing.T) {
	tests := []struct {
		name string
		op   any
		want bool
	}{
		{"empty", wire(), true},
		{"retain only", wire(ret(4)), true},
		{"insert", wire(ret(2), ins("x")), false},
		{"delete", wire(del(1), ret(1)), false},
		{"undecodable", "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNoop(Text{}, tt.op); got != tt.want {
				t.Errorf("IsNoop() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestText_OpLengths(t *testing.T) {
	op, err := DecodeTextOp(wire(ret(2), ins("xyz"), del(4), ret(1)))
	if err != nil {
		t.Fatal(err)
	}
	if op.BaseLen() != 7 || op.TargetLen() != 6 {
		t.Errorf("lengths = %d -> %d, want 7 -> 6", op.BaseLen(), op.TargetLen())
	}
	if add := NewInsert(3, "ab", 3); add.BaseLen() != 3 || add.TargetLen() != 5 {
		t.Errorf("NewInsert lengths = %d -> %d", add.BaseLen(), add.TargetLen())
	}
}
