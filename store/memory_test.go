package store

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	testDB(t, func(t *testing.T) DB { return NewMemoryStore() })
}

func TestMemoryStore_CommitRejectsBadSnapshotVersion(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Commit(context.Background(), "books", "a",
		&Op{V: intPtr(0), Create: &CreateOp{Type: "json0"}},
		&Snapshot{V: 5, Type: "json0"})
	if err == nil {
		t.Error("expected error when snapshot version does not follow op version")
	}
}

func TestMemoryStore_SkipPoll(t *testing.T) {
	s := NewMemoryStore()
	q := Query{Filter: map[string]any{"age": 3}, Sort: []SortKey{{Field: "name.first"}}}

	tests := []struct {
		name string
		op   *Op
		want bool
	}{
		{"untouched field", &Op{Op: []any{map[string]any{"p": []any{"color"}, "oi": "red"}}}, true},
		{"filtered field", &Op{Op: []any{map[string]any{"p": []any{"age"}, "oi": 4}}}, false},
		{"sorted field", &Op{Op: []any{map[string]any{"p": []any{"name", "first"}, "oi": "a"}}}, false},
		{"root replace", &Op{Op: []any{map[string]any{"p": []any{}, "oi": map[string]any{}}}}, false},
		{"create", &Op{Create: &CreateOp{Type: "json0"}}, false},
		{"delete", &Op{Del: true}, false},
		{"text op", &Op{Op: map[string]any{"ops": []any{}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SkipPoll("dogs", "fido", tt.op, q); got != tt.want {
				t.Errorf("SkipPoll = %v, want %v", got, tt.want)
			}
		})
	}
}
