package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// opLog is a contiguous cached range of a document's ops: ops[i] was
// committed at version base+i.
type opLog struct {
	base     int
	ops      []*Op
	lastUsed time.Time
}

func (l *opLog) end() int { return l.base + len(l.ops) }

// CachedStore wraps a backing DB with an in-memory cache of committed ops.
// Committed ops are immutable, so any contiguous range read once can be
// served again without touching the backing store. Snapshots and queries
// always go to the backing store. Documents idle for longer than ttl are
// evicted in the background.
type CachedStore struct {
	DB

	mu        sync.Mutex
	logs      map[string]*opLog
	ttl       time.Duration
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// DefaultCacheTTL is used when NewCachedStore is given a non-positive ttl.
const DefaultCacheTTL = 5 * time.Minute

// NewCachedStore creates a CachedStore in front of backing, sweeping idle
// documents every ttl.
func NewCachedStore(backing DB, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cs := &CachedStore{
		DB:   backing,
		logs: make(map[string]*opLog),
		ttl:  ttl,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go cs.evictLoop()
	return cs
}

func cacheKey(collection, id string) string {
	return collection + "\x00" + id
}

func (cs *CachedStore) Commit(ctx context.Context, collection, id string, op *Op, snapshot *Snapshot) (bool, error) {
	ok, err := cs.DB.Commit(ctx, collection, id, op, snapshot)
	if err != nil || !ok {
		return ok, err
	}
	cs.mu.Lock()
	if l := cs.logs[cacheKey(collection, id)]; l != nil && l.end() == *op.V {
		l.ops = append(l.ops, op.Clone())
		l.lastUsed = time.Now()
	}
	cs.mu.Unlock()
	return true, nil
}

func (cs *CachedStore) GetOps(ctx context.Context, collection, id string, from, to int) ([]*Op, error) {
	key := cacheKey(collection, id)
	if ops, ok := cs.cached(key, from, to); ok {
		return ops, nil
	}

	ops, err := cs.DB.GetOps(ctx, collection, id, from, to)
	if err != nil {
		return nil, err
	}
	if err := checkContiguous(ops, from); err != nil {
		return nil, fmt.Errorf("get ops %s/%s: %w", collection, id, err)
	}
	cs.remember(key, from, ops)
	return ops, nil
}

// cached serves [from, to) when the whole range is held.
func (cs *CachedStore) cached(key string, from, to int) ([]*Op, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	l := cs.logs[key]
	if l == nil || to == Unbounded || from < l.base || to > l.end() {
		return nil, false
	}
	l.lastUsed = time.Now()
	if from >= to {
		return []*Op{}, true
	}
	out := make([]*Op, 0, to-from)
	for _, op := range l.ops[from-l.base : to-l.base] {
		out = append(out, op.Clone())
	}
	return out, true
}

// remember merges ops read from the backing store, starting at version from,
// into the cached range when they overlap or touch it.
func (cs *CachedStore) remember(key string, from int, ops []*Op) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	l := cs.logs[key]
	if l == nil || from > l.end() || from+len(ops) < l.base {
		l = &opLog{base: from}
		cs.logs[key] = l
		for _, op := range ops {
			l.ops = append(l.ops, op.Clone())
		}
		l.lastUsed = now
		return
	}
	if from < l.base {
		prefix := make([]*Op, 0, l.base-from+len(l.ops))
		for _, op := range ops[:l.base-from] {
			prefix = append(prefix, op.Clone())
		}
		l.ops = append(prefix, l.ops...)
		l.base = from
	}
	for i := l.end() - from; i >= 0 && i < len(ops); i++ {
		l.ops = append(l.ops, ops[i].Clone())
	}
	l.lastUsed = now
}

func checkContiguous(ops []*Op, from int) error {
	for i, op := range ops {
		if op.Version() != from+i {
			return fmt.Errorf("op %d has version %d, want %d", i, op.Version(), from+i)
		}
	}
	return nil
}

func (cs *CachedStore) GetOpsBulk(ctx context.Context, collection string, from, to map[string]int) (map[string][]*Op, error) {
	return GetOpsBulk(ctx, cs, collection, from, to)
}

func (cs *CachedStore) evictLoop() {
	ticker := time.NewTicker(cs.ttl)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			if n := cs.evict(time.Now().Add(-cs.ttl)); n > 0 {
				log.Printf("cached store: evicted %d idle op logs", n)
			}
		case <-cs.stop:
			return
		}
	}
}

// evict drops op logs unused since cutoff and returns how many it dropped.
func (cs *CachedStore) evict(cutoff time.Time) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	n := 0
	for key, l := range cs.logs {
		if l.lastUsed.Before(cutoff) {
			delete(cs.logs, key)
			n++
		}
	}
	return n
}

// Close stops the eviction loop and closes the backing store.
func (cs *CachedStore) Close() error {
	cs.closeOnce.Do(func() {
		close(cs.stop)
		<-cs.done
	})
	return cs.DB.Close()
}
