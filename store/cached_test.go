package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// countingDB counts reads that reach the backing store.
type countingDB struct {
	DB
	getOps atomic.Int32
}

func (c *countingDB) GetOps(ctx context.Context, collection, id string, from, to int) ([]*Op, error) {
	c.getOps.Add(1)
	return c.DB.GetOps(ctx, collection, id, from, to)
}

func TestCachedStore(t *testing.T) {
	testDB(t, func(t *testing.T) DB {
		cs := NewCachedStore(NewMemoryStore(), time.Hour)
		t.Cleanup(func() { cs.Close() })
		return cs
	})
}

func TestCachedStore_ReadThrough(t *testing.T) {
	backing := &countingDB{DB: NewMemoryStore()}
	ctx := context.Background()

	// Pre-populate backing store.
	create(t, backing, "books", "doc1", map[string]any{})
	commitOp(t, backing, "books", "doc1", &Op{Op: []any{}})

	cs := NewCachedStore(backing, time.Hour) // long interval, no eviction
	defer cs.Close()

	ops, err := cs.GetOps(ctx, "books", "doc1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if n := backing.getOps.Load(); n != 1 {
		t.Fatalf("backing reads = %d, want 1", n)
	}

	// Any sub-range is now served from cache.
	if _, err := cs.GetOps(ctx, "books", "doc1", 1, 2); err != nil {
		t.Fatal(err)
	}
	if n := backing.getOps.Load(); n != 1 {
		t.Errorf("backing reads = %d after cached read, want 1", n)
	}
}

func TestCachedStore_CommitExtendsLog(t *testing.T) {
	backing := &countingDB{DB: NewMemoryStore()}
	ctx := context.Background()
	cs := NewCachedStore(backing, time.Hour)
	defer cs.Close()

	create(t, cs, "books", "doc1", map[string]any{})
	if _, err := cs.GetOps(ctx, "books", "doc1", 0, Unbounded); err != nil {
		t.Fatal(err)
	}
	before := backing.getOps.Load()

	commitOp(t, cs, "books", "doc1", &Op{Src: "a", Seq: 1, Op: []any{}})

	ops, err := cs.GetOps(ctx, "books", "doc1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 || ops[1].Src != "a" {
		t.Fatalf("unexpected ops: %+v", ops)
	}
	if backing.getOps.Load() != before {
		t.Error("read after commit should be served from cache")
	}
}

func TestCachedStore_LostCommitNotCached(t *testing.T) {
	ctx := context.Background()
	cs := NewCachedStore(NewMemoryStore(), time.Hour)
	defer cs.Close()

	create(t, cs, "books", "doc1", map[string]any{})
	cs.GetOps(ctx, "books", "doc1", 0, Unbounded)

	ok, err := cs.Commit(ctx, "books", "doc1", &Op{V: intPtr(0), Src: "late", Seq: 1}, &Snapshot{V: 1, Type: "json0"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale commit succeeded")
	}
	ops, _ := cs.GetOps(ctx, "books", "doc1", 0, 1)
	if ops[0].Src == "late" {
		t.Error("lost commit leaked into the cache")
	}
}

func TestCachedStore_MergesRanges(t *testing.T) {
	backing := &countingDB{DB: NewMemoryStore()}
	ctx := context.Background()
	create(t, backing, "books", "doc1", map[string]any{})
	for i := 0; i < 4; i++ {
		commitOp(t, backing, "books", "doc1", &Op{Op: []any{}})
	}

	cs := NewCachedStore(backing, time.Hour)
	defer cs.Close()

	cs.GetOps(ctx, "books", "doc1", 2, 4)
	cs.GetOps(ctx, "books", "doc1", 0, 3)
	reads := backing.getOps.Load()

	ops, err := cs.GetOps(ctx, "books", "doc1", 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i, op := range ops {
		if op.Version() != i {
			t.Errorf("ops[%d] has version %d", i, op.Version())
		}
	}
	if backing.getOps.Load() != reads {
		t.Error("merged range should be served from cache")
	}
}

func TestCachedStore_Evict(t *testing.T) {
	ctx := context.Background()
	backing := &countingDB{DB: NewMemoryStore()}
	cs := NewCachedStore(backing, time.Hour)
	defer cs.Close()

	create(t, backing, "books", "doc1", map[string]any{})
	cs.GetOps(ctx, "books", "doc1", 0, 1)

	if n := cs.evict(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("evicted %d logs, want 1", n)
	}
	reads := backing.getOps.Load()
	cs.GetOps(ctx, "books", "doc1", 0, 1)
	if backing.getOps.Load() != reads+1 {
		t.Error("evicted log should be re-read from backing")
	}
}

func TestCachedStore_CloseIdempotent(t *testing.T) {
	cs := NewCachedStore(NewMemoryStore(), 10*time.Millisecond)
	if err := cs.Close(); err != nil {
		t.Fatal(err)
	}
	if err := cs.Close(); err != nil {
		t.Fatal(err)
	}
}
