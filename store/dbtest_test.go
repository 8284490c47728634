package store

import (
	"context"
	"reflect"
	"sync"
	"testing"
)

// testDB runs the behaviour every DB implementation must share.
func testDB(t *testing.T, newDB func(t *testing.T) DB) {
	tests := []struct {
		name string
		fn   func(t *testing.T, db DB)
	}{
		{"MissingSnapshot", testMissingSnapshot},
		{"CommitAndGet", testCommitAndGet},
		{"CommitConflict", testCommitConflict},
		{"ConcurrentCommits", testConcurrentCommits},
		{"GetOpsRanges", testGetOpsRanges},
		{"GetOpsBulk", testGetOpsBulk},
		{"SnapshotBulk", testSnapshotBulk},
		{"CommittedOpVersion", testCommittedOpVersion},
		{"Query", testQuery},
		{"QueryPollDoc", testQueryPollDoc},
		{"Fields", testFields},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newDB(t))
		})
	}
}

func intPtr(v int) *int { return &v }

// commitOp commits op on top of the stored snapshot, building the next
// snapshot with a naive apply good enough for storage tests.
func commitOp(t *testing.T, db DB, collection, id string, op *Op) bool {
	t.Helper()
	ctx := context.Background()
	prev, err := db.GetSnapshot(ctx, collection, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if op.V == nil {
		op.SetVersion(prev.V)
	}
	next := &Snapshot{ID: id, V: *op.V + 1, Type: prev.Type, Data: prev.Data}
	switch {
	case op.Create != nil:
		next.Type, next.Data = "json0", op.Create.Data
	case op.Del:
		next.Type, next.Data = "", nil
	}
	ok, err := db.Commit(ctx, collection, id, op, next)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func create(t *testing.T, db DB, collection, id string, data map[string]any) {
	t.Helper()
	op := &Op{V: intPtr(0), Create: &CreateOp{Type: "json0", Data: data}}
	if !commitOp(t, db, collection, id, op) {
		t.Fatalf("create %s/%s lost a race", collection, id)
	}
}

func testMissingSnapshot(t *testing.T, db DB) {
	snap, err := db.GetSnapshot(context.Background(), "books", "nope", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID != "nope" || snap.V != 0 || snap.Exists() {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func testCommitAndGet(t *testing.T, db DB) {
	ctx := context.Background()
	create(t, db, "books", "1984", map[string]any{"title": "1984"})

	snap, err := db.GetSnapshot(ctx, "books", "1984", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.V != 1 || snap.Type != "json0" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if !reflect.DeepEqual(snap.Data, map[string]any{"title": "1984"}) {
		t.Errorf("data = %#v", snap.Data)
	}

	// Mutating the returned value must not reach the store.
	snap.Data.(map[string]any)["title"] = "changed"
	again, _ := db.GetSnapshot(ctx, "books", "1984", nil)
	if again.Data.(map[string]any)["title"] != "1984" {
		t.Error("store shares memory with callers")
	}
}

func testCommitConflict(t *testing.T, db DB) {
	create(t, db, "books", "a", map[string]any{})

	// Base version 0 is stale now.
	stale := &Op{V: intPtr(0), Op: []any{}}
	if commitOp(t, db, "books", "a", stale) {
		t.Error("commit at stale version succeeded")
	}
	ops, err := db.GetOps(context.Background(), "books", "a", 0, Unbounded)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Errorf("got %d ops, want 1", len(ops))
	}
}

func testConcurrentCommits(t *testing.T, db DB) {
	create(t, db, "books", "race", map[string]any{})

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := &Snapshot{ID: "race", V: 2, Type: "json0", Data: map[string]any{}}
			ok, err := db.Commit(context.Background(), "books", "race", &Op{V: intPtr(1), Op: []any{}}, snap)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d commits won version 1, want exactly 1", wins)
	}
}

func testGetOpsRanges(t *testing.T, db DB) {
	ctx := context.Background()
	create(t, db, "books", "b", map[string]any{})
	for i := 0; i < 3; i++ {
		commitOp(t, db, "books", "b", &Op{Src: "s", Seq: i + 1, Op: []any{}})
	}

	tests := []struct {
		from, to int
		want     []int
	}{
		{0, Unbounded, []int{0, 1, 2, 3}},
		{1, 3, []int{1, 2}},
		{2, Unbounded, []int{2, 3}},
		{4, Unbounded, nil},
		{2, 2, nil},
		{0, 100, []int{0, 1, 2, 3}},
	}
	for _, tt := range tests {
		ops, err := db.GetOps(ctx, "books", "b", tt.from, tt.to)
		if err != nil {
			t.Fatal(err)
		}
		var got []int
		for _, op := range ops {
			got = append(got, op.Version())
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("GetOps(%d, %d) versions = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	ops, _ := db.GetOps(ctx, "books", "b", 0, 1)
	if len(ops) != 1 || ops[0].Create == nil || ops[0].Create.Type != "json0" {
		t.Errorf("first op should be the create: %+v", ops)
	}

	if ops, err := db.GetOps(ctx, "books", "missing", 0, Unbounded); err != nil || len(ops) != 0 {
		t.Errorf("missing doc: ops=%v err=%v", ops, err)
	}
}

func testGetOpsBulk(t *testing.T, db DB) {
	create(t, db, "books", "x", map[string]any{})
	create(t, db, "books", "y", map[string]any{})
	commitOp(t, db, "books", "y", &Op{Op: []any{}})

	got, err := db.GetOpsBulk(context.Background(), "books",
		map[string]int{"x": 0, "y": 1}, map[string]int{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got["x"]) != 1 || len(got["y"]) != 1 || got["y"][0].Version() != 1 {
		t.Errorf("unexpected bulk ops: %+v", got)
	}
}

func testSnapshotBulk(t *testing.T, db DB) {
	create(t, db, "books", "p", map[string]any{"n": 1})
	create(t, db, "books", "q", map[string]any{"n": 2})

	got, err := db.GetSnapshotBulk(context.Background(), "books", []string{"p", "q", "r"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(got))
	}
	if !got["p"].Exists() || !got["q"].Exists() || got["r"].Exists() {
		t.Errorf("unexpected existence: p=%v q=%v r=%v", got["p"].Exists(), got["q"].Exists(), got["r"].Exists())
	}
}

func testCommittedOpVersion(t *testing.T, db DB) {
	ctx := context.Background()
	create(t, db, "books", "c", map[string]any{})
	commitOp(t, db, "books", "c", &Op{Src: "A", Seq: 3, Op: []any{}})
	commitOp(t, db, "books", "c", &Op{Src: "B", Seq: 3, Op: []any{}})

	snap, _ := db.GetSnapshot(ctx, "books", "c", nil)

	v, found, err := db.GetCommittedOpVersion(ctx, "books", "c", snap, &Op{Src: "A", Seq: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !found || v != 1 {
		t.Errorf("got v=%d found=%v, want v=1", v, found)
	}

	_, found, _ = db.GetCommittedOpVersion(ctx, "books", "c", snap, &Op{Src: "A", Seq: 4})
	if found {
		t.Error("found an op that was never committed")
	}
	_, found, _ = db.GetCommittedOpVersion(ctx, "books", "c", snap, &Op{})
	if found {
		t.Error("op without src should never match")
	}
}

func testQuery(t *testing.T, db DB) {
	ctx := context.Background()
	create(t, db, "dogs", "fido", map[string]any{"age": 3, "color": "gold"})
	create(t, db, "dogs", "rex", map[string]any{"age": 5, "color": "black"})
	create(t, db, "dogs", "spot", map[string]any{"age": 3, "color": "white"})
	create(t, db, "dogs", "gone", map[string]any{"age": 3})
	commitOp(t, db, "dogs", "gone", &Op{Del: true})

	ids := func(snaps []*Snapshot) []string {
		var out []string
		for _, s := range snaps {
			out = append(out, s.ID)
		}
		return out
	}

	tests := []struct {
		name      string
		q         Query
		want      []string
		wantExtra any
	}{
		{"equality", Query{Filter: map[string]any{"age": 3}}, []string{"fido", "spot"}, nil},
		{"operator", Query{Filter: map[string]any{"age": map[string]any{"$gt": 3}}}, []string{"rex"}, nil},
		{"sort desc", Query{Sort: []SortKey{{Field: "color", Desc: true}}}, []string{"spot", "fido", "rex"}, nil},
		{"limit and count", Query{Sort: []SortKey{{Field: "age"}}, Limit: 2, Count: true}, []string{"fido", "spot"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps, extra, err := db.Query(ctx, "dogs", tt.q, nil)
			if err != nil {
				t.Fatal(err)
			}
			if got := ids(snaps); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
			if extra != tt.wantExtra {
				t.Errorf("extra = %v, want %v", extra, tt.wantExtra)
			}

			polled, _, err := db.QueryPoll(ctx, "dogs", tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(polled, tt.want) {
				t.Errorf("QueryPoll ids = %v, want %v", polled, tt.want)
			}
		})
	}

	if _, _, err := db.Query(ctx, "dogs", Query{Limit: -1}, nil); err == nil {
		t.Error("expected error for negative limit")
	}
}

func testQueryPollDoc(t *testing.T, db DB) {
	ctx := context.Background()
	create(t, db, "dogs", "fido", map[string]any{"age": 3})
	q := Query{Filter: map[string]any{"age": 3}}

	if !db.CanPollDoc("dogs", q) {
		t.Fatal("filter-only query should be pollable per doc")
	}
	if db.CanPollDoc("dogs", Query{Limit: 1}) {
		t.Error("limited query should not be pollable per doc")
	}

	match, err := db.QueryPollDoc(ctx, "dogs", "fido", q)
	if err != nil || !match {
		t.Errorf("match=%v err=%v, want match", match, err)
	}
	match, _ = db.QueryPollDoc(ctx, "dogs", "fido", Query{Filter: map[string]any{"age": 5}})
	if match {
		t.Error("unexpected match for age 5")
	}
	match, _ = db.QueryPollDoc(ctx, "dogs", "nobody", q)
	if match {
		t.Error("missing doc should never match")
	}
}

func testFields(t *testing.T, db DB) {
	ctx := context.Background()
	create(t, db, "dogs", "fido", map[string]any{"age": 3, "color": "gold"})

	snap, err := db.GetSnapshot(ctx, "dogs", "fido", Fields{"age": true})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(snap.Data, map[string]any{"age": 3.0}) {
		t.Errorf("data = %#v", snap.Data)
	}
}
