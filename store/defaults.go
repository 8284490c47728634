package store

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// bulkConcurrency caps parallel reads in the bulk helpers.
const bulkConcurrency = 8

type snapshotGetter interface {
	GetSnapshot(ctx context.Context, collection, id string, fields Fields) (*Snapshot, error)
}

type opsGetter interface {
	GetOps(ctx context.Context, collection, id string, from, to int) ([]*Op, error)
}

type querier interface {
	Query(ctx context.Context, collection string, q Query, fields Fields) ([]*Snapshot, any, error)
}

// GetSnapshotBulk fetches each id with GetSnapshot in parallel.
func GetSnapshotBulk(ctx context.Context, db snapshotGetter, collection string, ids []string, fields Fields) (map[string]*Snapshot, error) {
	var mu sync.Mutex
	out := make(map[string]*Snapshot, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			snap, err := db.GetSnapshot(ctx, collection, id, fields)
			if err != nil {
				return fmt.Errorf("get snapshot %s/%s: %w", collection, id, err)
			}
			mu.Lock()
			out[id] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOpsBulk fetches ops for each id in from with GetOps.
func GetOpsBulk(ctx context.Context, db opsGetter, collection string, from, to map[string]int) (map[string][]*Op, error) {
	out := make(map[string][]*Op, len(from))
	for id, f := range from {
		t, ok := to[id]
		if !ok {
			t = Unbounded
		}
		ops, err := db.GetOps(ctx, collection, id, f, t)
		if err != nil {
			return nil, fmt.Errorf("get ops %s/%s: %w", collection, id, err)
		}
		out[id] = ops
	}
	return out, nil
}

// GetCommittedOpVersion scans the log up to snapshot.V, newest first, for an
// op with op's src and seq.
func GetCommittedOpVersion(ctx context.Context, db opsGetter, collection, id string, snapshot *Snapshot, op *Op) (int, bool, error) {
	if !op.HasSrc() {
		return 0, false, nil
	}
	ops, err := db.GetOps(ctx, collection, id, 0, snapshot.V)
	if err != nil {
		return 0, false, err
	}
	for i := len(ops) - 1; i >= 0; i-- {
		if op.SameSubmission(ops[i]) {
			return ops[i].Version(), true, nil
		}
	}
	return 0, false, nil
}

// QueryPoll runs Query and keeps only the ids.
func QueryPoll(ctx context.Context, db querier, collection string, q Query) ([]string, any, error) {
	snaps, extra, err := db.Query(ctx, collection, q, Fields{})
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	return ids, extra, nil
}
