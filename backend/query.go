package backend

import (
	"context"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/alimasry/otsync/pubsub"
	"github.com/alimasry/otsync/store"
)

// DiffType names one kind of result list change.
type DiffType string

const (
	DiffInsert DiffType = "insert"
	DiffRemove DiffType = "remove"
	DiffMove   DiffType = "move"
)

// Diff is one step of a result list update. Applied in order, a batch of
// diffs turns the previous id list into the new one.
//
//	insert: Snapshots are inserted at Index
//	remove: HowMany ids are removed at Index
//	move:   HowMany ids are moved from From to To
type Diff struct {
	Type      DiffType          `json:"type"`
	Index     int               `json:"index,omitempty"`
	Snapshots []*store.Snapshot `json:"values,omitempty"`
	HowMany   int               `json:"howMany,omitempty"`
	From      int               `json:"from,omitempty"`
	To        int               `json:"to,omitempty"`
}

// QueryHandlers receive live query updates. Calls are serialized and stop
// once the emitter is destroyed. Nil handlers are skipped.
type QueryHandlers struct {
	OnDiff  func(diff []Diff)
	OnExtra func(extra any)
	OnOp    func(op *store.Op)
	OnError func(err error)
}

// QueryOptions tune a live query.
type QueryOptions struct {
	// PollDebounce delays a poll that was requested while another was in
	// flight. Zero uses the backend default.
	PollDebounce time.Duration
	// SkipPoll lets the caller veto re-evaluation for an op.
	SkipPoll func(collection, id string, op *store.Op, q store.Query) bool
}

// QueryEmitter keeps one live query's result ids current as ops are
// published to its collection.
type QueryEmitter struct {
	backend    *Backend
	agent      *Agent
	index      string
	collection string
	projection *projection
	query      store.Query
	stream     *pubsub.Stream
	handlers   QueryHandlers
	opts       QueryOptions
	canPollDoc bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	ids         []string
	extra       any
	polling     bool
	pendingPoll bool
	timer       *time.Timer
	destroyed   bool

	emitMu sync.Mutex
}

func newQueryEmitter(b *Backend, agent *Agent, index, collection string, proj *projection, q store.Query,
	stream *pubsub.Stream, handlers QueryHandlers, opts QueryOptions, ids []string, extra any) *QueryEmitter {
	ctx, cancel := context.WithCancel(context.Background())
	return &QueryEmitter{
		backend:    b,
		agent:      agent,
		index:      index,
		collection: collection,
		projection: proj,
		query:      q,
		stream:     stream,
		handlers:   handlers,
		opts:       opts,
		canPollDoc: b.db.CanPollDoc(collection, q),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		ids:        ids,
		extra:      extra,
	}
}

func (e *QueryEmitter) start() {
	e.backend.metrics.activeQueries.Inc()
	go e.run()
}

func (e *QueryEmitter) run() {
	defer close(e.done)
	for msg := range e.stream.C() {
		if msg.Err != nil {
			e.emitError(msg.Err)
			continue
		}
		e.update(msg.Op)
	}
}

// IDs returns a copy of the current result ids.
func (e *QueryEmitter) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.ids)
}

// Extra returns the last extra value reported by the store.
func (e *QueryEmitter) Extra() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.extra
}

// Destroy stops the emitter and releases its stream and timer. A handler
// already running may finish; no handler starts afterwards.
func (e *QueryEmitter) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	e.cancel()
	e.stream.Destroy()
	e.backend.metrics.activeQueries.Dec()
}

// Done is closed when the emitter has stopped reading its stream.
func (e *QueryEmitter) Done() <-chan struct{} { return e.done }

func (e *QueryEmitter) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *QueryEmitter) emit(fn func()) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.isDestroyed() {
		return
	}
	fn()
}

func (e *QueryEmitter) emitError(err error) {
	if e.handlers.OnError == nil {
		return
	}
	e.emit(func() { e.handlers.OnError(err) })
}

func (e *QueryEmitter) emitDiff(diff []Diff) {
	if len(diff) == 0 || e.handlers.OnDiff == nil {
		return
	}
	e.emit(func() { e.handlers.OnDiff(diff) })
}

func (e *QueryEmitter) emitOp(op *store.Op) {
	if e.handlers.OnOp == nil {
		return
	}
	op = op.Clone()
	if err := e.backend.sanitizeOp(e.ctx, e.agent, e.projection, e.collection, op.D, op); err != nil {
		e.emitError(err)
		return
	}
	e.emit(func() { e.handlers.OnOp(op) })
}

func (e *QueryEmitter) update(op *store.Op) {
	id := op.D
	e.mu.Lock()
	inResults := slices.Contains(e.ids, id)
	e.mu.Unlock()

	// Result membership is decided independently of op delivery, so the op
	// goes out before any poll.
	if inResults {
		e.emitOp(op)
	}
	if e.opts.SkipPoll != nil && e.opts.SkipPoll(e.collection, id, op, e.query) {
		return
	}
	if e.backend.db.SkipPoll(e.collection, id, op, e.query) {
		return
	}
	if e.canPollDoc {
		e.backend.metrics.queryPolls.WithLabelValues("doc").Inc()
		if err := e.pollDoc(id); err != nil {
			e.emitError(err)
		}
		return
	}
	e.poll()
}

// pollDoc re-evaluates one document. It only runs on the stream goroutine,
// which is the sole writer of ids in this mode.
func (e *QueryEmitter) pollDoc(id string) error {
	matches, err := e.backend.db.QueryPollDoc(e.ctx, e.collection, id, e.query)
	if err != nil {
		return err
	}
	e.mu.Lock()
	index := slices.Index(e.ids, id)
	e.mu.Unlock()

	switch {
	case matches && index == -1:
		snap, err := e.backend.db.GetSnapshot(e.ctx, e.collection, id, fieldsOf(e.projection))
		if err != nil {
			return err
		}
		if err := e.backend.sanitizeSnapshots(e.ctx, e.agent, e.projection, e.index, e.collection, []*store.Snapshot{snap}); err != nil {
			return err
		}
		e.mu.Lock()
		index = len(e.ids)
		e.ids = append(e.ids, id)
		e.mu.Unlock()
		e.emitDiff([]Diff{{Type: DiffInsert, Index: index, Snapshots: []*store.Snapshot{snap}}})
	case !matches && index != -1:
		e.mu.Lock()
		e.ids = slices.Delete(e.ids, index, index+1)
		e.mu.Unlock()
		e.emitDiff([]Diff{{Type: DiffRemove, Index: index, HowMany: 1}})
	}
	return nil
}

// poll starts a full requery unless one is running or scheduled, in which
// case it marks one as pending.
func (e *QueryEmitter) poll() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if e.polling || e.timer != nil {
		e.pendingPoll = true
		e.mu.Unlock()
		return
	}
	e.polling = true
	e.mu.Unlock()
	go e.runPoll()
}

func (e *QueryEmitter) runPoll() {
	e.backend.metrics.queryPolls.WithLabelValues("full").Inc()
	if err := e.requery(); err != nil && e.ctx.Err() == nil {
		e.emitError(err)
	}
	e.finishPoll()
}

func (e *QueryEmitter) finishPoll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polling = false
	if e.destroyed || !e.pendingPoll {
		return
	}
	e.pendingPoll = false
	if e.opts.PollDebounce > 0 {
		e.timer = time.AfterFunc(e.opts.PollDebounce, func() {
			e.mu.Lock()
			e.timer = nil
			e.mu.Unlock()
			e.poll()
		})
		return
	}
	e.polling = true
	go e.runPoll()
}

// requery re-runs the whole query and reports the id diff, fetching
// snapshots for inserted ids only. At most one requery runs at a time, so
// it is the sole writer of ids in this mode.
func (e *QueryEmitter) requery() error {
	ids, extra, err := e.backend.db.QueryPoll(e.ctx, e.collection, e.query)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := slices.Clone(e.ids)
	e.mu.Unlock()

	diff := diffIDs(prev, ids)
	var inserted []string
	for _, d := range diff {
		if d.Type == DiffInsert {
			for _, s := range d.Snapshots {
				inserted = append(inserted, s.ID)
			}
		}
	}
	if len(inserted) > 0 {
		snaps, err := e.backend.db.GetSnapshotBulk(e.ctx, e.collection, inserted, fieldsOf(e.projection))
		if err != nil {
			return err
		}
		list := make([]*store.Snapshot, 0, len(inserted))
		for i := range diff {
			if diff[i].Type != DiffInsert {
				continue
			}
			for j, s := range diff[i].Snapshots {
				if full := snaps[s.ID]; full != nil {
					diff[i].Snapshots[j] = full
				}
				list = append(list, diff[i].Snapshots[j])
			}
		}
		if err := e.backend.sanitizeSnapshots(e.ctx, e.agent, e.projection, e.index, e.collection, list); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.ids = ids
	extraChanged := !reflect.DeepEqual(extra, e.extra)
	if extraChanged {
		e.extra = extra
	}
	e.mu.Unlock()

	e.emitDiff(diff)
	if extraChanged && e.handlers.OnExtra != nil {
		e.emit(func() { e.handlers.OnExtra(extra) })
	}
	return nil
}

// diffIDs returns the removes, then the moves and inserts, that turn prev
// into next. Inserted entries carry placeholder snapshots holding only ids.
func diffIDs(prev, next []string) []Diff {
	want := make(map[string]bool, len(next))
	for _, id := range next {
		want[id] = true
	}

	var diff []Diff
	cur := slices.Clone(prev)
	for i := len(cur) - 1; i >= 0; i-- {
		if want[cur[i]] {
			continue
		}
		// Merge runs of adjacent removals.
		j := i
		for j > 0 && !want[cur[j-1]] {
			j--
		}
		diff = append(diff, Diff{Type: DiffRemove, Index: j, HowMany: i - j + 1})
		cur = slices.Delete(cur, j, i+1)
		i = j
	}

	for i, id := range next {
		if i < len(cur) && cur[i] == id {
			continue
		}
		if from := slices.Index(cur, id); from != -1 {
			diff = append(diff, Diff{Type: DiffMove, From: from, To: i, HowMany: 1})
			cur = slices.Delete(cur, from, from+1)
			cur = slices.Insert(cur, i, id)
			continue
		}
		snap := &store.Snapshot{ID: id}
		if n := len(diff); n > 0 && diff[n-1].Type == DiffInsert && diff[n-1].Index+len(diff[n-1].Snapshots) == i {
			diff[n-1].Snapshots = append(diff[n-1].Snapshots, snap)
		} else {
			diff = append(diff, Diff{Type: DiffInsert, Index: i, Snapshots: []*store.Snapshot{snap}})
		}
		cur = slices.Insert(cur, i, id)
	}
	return diff
}
