package store

import (
	"context"
	"fmt"
	"sync"
)

type docRecord struct {
	snapshot *Snapshot
	history  []*Op
}

// MemoryStore is an in-memory implementation of DB. Every value crossing
// its boundary is deep-copied, so callers may mutate what they get back.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]*docRecord)}
}

// record returns the record for a document, or nil. Callers hold mu.
func (s *MemoryStore) record(collection, id string) *docRecord {
	return s.docs[collection][id]
}

func (s *MemoryStore) Commit(_ context.Context, collection, id string, op *Op, snapshot *Snapshot) (bool, error) {
	if op.V == nil {
		return false, fmt.Errorf("commit %s/%s: op has no version", collection, id)
	}
	if snapshot.V != *op.V+1 {
		return false, fmt.Errorf("commit %s/%s: snapshot v%d does not follow op v%d", collection, id, snapshot.V, *op.V)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(collection, id)
	if rec == nil {
		rec = &docRecord{}
		if s.docs[collection] == nil {
			s.docs[collection] = make(map[string]*docRecord)
		}
		s.docs[collection][id] = rec
	}
	if len(rec.history) != *op.V {
		return false, nil
	}
	rec.history = append(rec.history, op.Clone())
	snap := snapshot.Clone()
	snap.ID = id
	rec.snapshot = snap
	return true, nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, collection, id string, fields Fields) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.record(collection, id)
	if rec == nil || rec.snapshot == nil {
		return &Snapshot{ID: id}, nil
	}
	snap := rec.snapshot.Clone()
	snap.Data = fields.Apply(snap.Data)
	return snap, nil
}

func (s *MemoryStore) GetSnapshotBulk(ctx context.Context, collection string, ids []string, fields Fields) (map[string]*Snapshot, error) {
	return GetSnapshotBulk(ctx, s, collection, ids, fields)
}

func (s *MemoryStore) GetOps(_ context.Context, collection, id string, from, to int) ([]*Op, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var history []*Op
	if rec := s.record(collection, id); rec != nil {
		history = rec.history
	}
	if to == Unbounded || to > len(history) {
		to = len(history)
	}
	if from < 0 {
		return nil, fmt.Errorf("invalid version %d", from)
	}
	if from >= to {
		return []*Op{}, nil
	}
	ops := make([]*Op, 0, to-from)
	for _, op := range history[from:to] {
		ops = append(ops, op.Clone())
	}
	return ops, nil
}

func (s *MemoryStore) GetOpsBulk(ctx context.Context, collection string, from, to map[string]int) (map[string][]*Op, error) {
	return GetOpsBulk(ctx, s, collection, from, to)
}

func (s *MemoryStore) GetCommittedOpVersion(ctx context.Context, collection, id string, snapshot *Snapshot, op *Op) (int, bool, error) {
	return GetCommittedOpVersion(ctx, s, collection, id, snapshot, op)
}

func (s *MemoryStore) Query(_ context.Context, collection string, q Query, fields Fields) ([]*Snapshot, any, error) {
	s.mu.RLock()
	snaps := make([]*Snapshot, 0, len(s.docs[collection]))
	for _, rec := range s.docs[collection] {
		if rec.snapshot != nil {
			snaps = append(snaps, rec.snapshot)
		}
	}
	s.mu.RUnlock()

	matched, extra, err := RunQuery(snaps, q)
	if err != nil {
		return nil, nil, err
	}
	out := make([]*Snapshot, len(matched))
	for i, snap := range matched {
		out[i] = snap.Clone()
		out[i].Data = fields.Apply(out[i].Data)
	}
	return out, extra, nil
}

func (s *MemoryStore) QueryPoll(ctx context.Context, collection string, q Query) ([]string, any, error) {
	return QueryPoll(ctx, s, collection, q)
}

func (s *MemoryStore) QueryPollDoc(_ context.Context, collection, id string, q Query) (bool, error) {
	if err := q.Validate(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.record(collection, id)
	if rec == nil || rec.snapshot == nil || !rec.snapshot.Exists() {
		return false, nil
	}
	return Match(rec.snapshot.Data, q.Filter), nil
}

func (s *MemoryStore) CanPollDoc(_ string, q Query) bool { return !q.ordered() }

func (s *MemoryStore) SkipPoll(_, _ string, op *Op, q Query) bool { return SkipPollFields(op, q) }

func (s *MemoryStore) Close() error { return nil }
