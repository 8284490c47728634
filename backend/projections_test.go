package backend

import (
	"context"
	"reflect"
	"testing"

	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/store"
)

func newProjectedBackend(t *testing.T) *Backend {
	t.Helper()
	b := newTestBackend(t, Options{})
	if err := b.AddProjection("dogs_summary", "dogs", map[string]any{"age": true}); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAddProjection(t *testing.T) {
	b := newProjectedBackend(t)
	tests := []struct {
		name       string
		projection string
		collection string
		fields     map[string]any
	}{
		{"field not true", "p1", "dogs", map[string]any{"age": false}},
		{"nested field", "p2", "dogs", map[string]any{"owner": map[string]any{"name": true}}},
		{"duplicate name", "dogs_summary", "dogs", map[string]any{"age": true}},
		{"projection of projection", "p3", "dogs_summary", map[string]any{"age": true}},
		{"name used as target", "dogs", "cats", map[string]any{"age": true}},
		{"empty name", "", "dogs", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.AddProjection(tt.projection, tt.collection, tt.fields)
			wantCode(t, err, errs.ProjectionInvalid)
		})
	}
}

func TestFetchThroughProjection(t *testing.T) {
	b := newProjectedBackend(t)
	createJSON(t, b, nil, "dogs", "fido", map[string]any{"age": 3, "color": "gold"})

	snap := fetch(t, b, "dogs_summary", "fido")
	if !reflect.DeepEqual(snap.Data, map[string]any{"age": 3.0}) {
		t.Errorf("data = %v", snap.Data)
	}
	if base := fetch(t, b, "dogs", "fido"); snap.V != base.V {
		t.Errorf("projected v%d, base v%d", snap.V, base.V)
	}
}

func TestProjectionRoundTrip(t *testing.T) {
	b := newProjectedBackend(t)
	ctx := context.Background()

	createJSON(t, b, nil, "dogs_summary", "rex", map[string]any{"age": 2})
	base := fetch(t, b, "dogs", "rex")
	if !reflect.DeepEqual(base.Data, map[string]any{"age": 2.0}) {
		t.Fatalf("underlying data = %v", base.Data)
	}

	_, err := b.Submit(ctx, nil, "dogs_summary", "rex", &store.Op{
		V:  intPtr(1),
		Op: []any{map[string]any{"p": []any{"color"}, "oi": "black"}},
	})
	wantCode(t, err, errs.OpNotAllowedInProjection)

	_, err = b.Submit(ctx, nil, "dogs_summary", "rex", &store.Op{
		V:  intPtr(1),
		Op: []any{map[string]any{"p": []any{}, "od": map[string]any{"age": 2}, "oi": map[string]any{"age": 4}}},
	})
	wantCode(t, err, errs.OpNotAllowedInProjection)

	if after := fetch(t, b, "dogs", "rex"); !reflect.DeepEqual(after, base) {
		t.Errorf("rejected ops changed the document: %+v", after)
	}

	mustSubmit(t, b, nil, "dogs_summary", "rex", &store.Op{
		V:  intPtr(1),
		Op: []any{map[string]any{"p": []any{"age"}, "na": 1}},
	})
	if after := fetch(t, b, "dogs", "rex"); after.V != 2 || !reflect.DeepEqual(after.Data, map[string]any{"age": 3.0}) {
		t.Errorf("after allowed edit = %+v", after)
	}

	_, err = b.Submit(ctx, nil, "dogs_summary", "spot", &store.Op{
		Create: &store.CreateOp{Type: "json0", Data: map[string]any{"age": 1, "color": "white"}},
	})
	wantCode(t, err, errs.OpNotAllowedInProjection)

	mustSubmit(t, b, nil, "dogs_summary", "rex", &store.Op{V: intPtr(2), Del: true})
}

func TestProjectionRejectsOtherTypes(t *testing.T) {
	b := newProjectedBackend(t)
	mustSubmit(t, b, nil, "dogs", "txt", &store.Op{Create: &store.CreateOp{Type: "text", Data: "woof"}})

	_, err := b.Fetch(context.Background(), nil, "dogs_summary", "txt")
	wantCode(t, err, errs.TypeCannotBeProjected)

	_, err = b.Submit(context.Background(), nil, "dogs_summary", "txt2", &store.Op{
		Create: &store.CreateOp{Type: "text", Data: "woof"},
	})
	wantCode(t, err, errs.OpNotAllowedInProjection)
}

func TestProjectedStream(t *testing.T) {
	b := newProjectedBackend(t)
	ctx := context.Background()
	createJSON(t, b, nil, "dogs", "fido", map[string]any{"age": 3, "color": "gold"})

	sub, err := b.Subscribe(ctx, nil, "dogs_summary", "fido", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Stream.Destroy()
	if !reflect.DeepEqual(sub.Snapshot.Data, map[string]any{"age": 3.0}) {
		t.Errorf("snapshot = %v", sub.Snapshot.Data)
	}

	mustSubmit(t, b, nil, "dogs", "fido", &store.Op{V: intPtr(1), Op: []any{
		map[string]any{"p": []any{"color"}, "od": "gold", "oi": "red"},
		map[string]any{"p": []any{"age"}, "na": 1},
	}})
	op := recvOp(t, sub.Stream)
	want := []any{map[string]any{"p": []any{"age"}, "na": 1.0}}
	if !reflect.DeepEqual(op.Clone().Op, want) {
		t.Errorf("projected op = %#v, want %#v", op.Op, want)
	}
}

func TestProjectOpRootReplacement(t *testing.T) {
	op := &store.Op{Op: []any{map[string]any{
		"p":  []any{},
		"od": map[string]any{"age": 1, "color": "a"},
		"oi": map[string]any{"age": 2, "color": "b"},
	}}}
	if err := projectOp(store.Fields{"age": true}, op); err != nil {
		t.Fatal(err)
	}
	want := []any{map[string]any{
		"p":  []any{},
		"od": map[string]any{"age": 1.0},
		"oi": map[string]any{"age": 2.0},
	}}
	if !reflect.DeepEqual(op.Clone().Op, want) {
		t.Errorf("got %#v", op.Op)
	}
}
