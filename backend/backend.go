// Package backend accepts ops from agents, transforms them against
// concurrent commits, commits them through a store.DB and fans them out
// through a pubsub.PubSub to document subscribers and live queries.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/ot"
	"github.com/alimasry/otsync/pubsub"
	"github.com/alimasry/otsync/store"
)

// Options configures a Backend. DB and PubSub are required.
type Options struct {
	DB     store.DB
	PubSub pubsub.PubSub
	// Types defaults to ot.DefaultRegistry().
	Types *ot.Registry
	// MaxSubmitRetries caps lost commit races per submission; 0 is unlimited.
	MaxSubmitRetries int
	// SuppressPublish commits without publishing.
	SuppressPublish bool
	// DoNotCommitNoOps rejects edits that transform to a no-op with ERR_NO_OP.
	DoNotCommitNoOps bool
	// PollDebounce is the default delay before a retriggered query poll.
	PollDebounce time.Duration
	Registerer   prometheus.Registerer
	Logger       *log.Logger
}

// Backend is safe for concurrent use.
type Backend struct {
	db               store.DB
	pubsub           pubsub.PubSub
	types            *ot.Registry
	maxSubmitRetries int
	suppressPublish  bool
	doNotCommitNoOps bool
	pollDebounce     time.Duration
	logger           *log.Logger
	metrics          *metrics

	mu          sync.RWMutex
	projections map[string]*projection
	middleware  map[Action][]Middleware
}

func New(opts Options) (*Backend, error) {
	if opts.DB == nil {
		return nil, errors.New("backend: DB is required")
	}
	if opts.PubSub == nil {
		return nil, errors.New("backend: PubSub is required")
	}
	if opts.Types == nil {
		opts.Types = ot.DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.MaxSubmitRetries < 0 {
		return nil, fmt.Errorf("backend: invalid MaxSubmitRetries %d", opts.MaxSubmitRetries)
	}
	return &Backend{
		db:               opts.DB,
		pubsub:           opts.PubSub,
		types:            opts.Types,
		maxSubmitRetries: opts.MaxSubmitRetries,
		suppressPublish:  opts.SuppressPublish,
		doNotCommitNoOps: opts.DoNotCommitNoOps,
		pollDebounce:     opts.PollDebounce,
		logger:           opts.Logger,
		metrics:          newMetrics(opts.Registerer),
		projections:      make(map[string]*projection),
		middleware:       make(map[Action][]Middleware),
	}, nil
}

// Types returns the backend's type registry.
func (b *Backend) Types() *ot.Registry { return b.types }

// Close closes the pub/sub and the DB.
func (b *Backend) Close() error {
	return errors.Join(b.pubsub.Close(), b.db.Close())
}

// SubmitResult reports a committed op and the ops it was transformed
// against, in commit order.
type SubmitResult struct {
	Op  *store.Op
	Ops []*store.Op
}

// Submit validates op and runs it through the submission pipeline. An
// ERR_OP_ALREADY_SUBMITTED error is not fatal and carries the version the
// earlier copy committed at.
func (b *Backend) Submit(ctx context.Context, agent *Agent, index, id string, op *store.Op) (*SubmitResult, error) {
	res, err := b.submit(ctx, agent, index, id, op)
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
	}
	b.metrics.submits.WithLabelValues(result).Inc()
	return res, err
}

func (b *Backend) submit(ctx context.Context, agent *Agent, index, id string, op *store.Op) (*SubmitResult, error) {
	if err := CheckOp(op, b.types); err != nil {
		return nil, err
	}
	op = op.Clone()
	if op.M == nil {
		op.M = make(map[string]any)
	}
	op.M["ts"] = float64(time.Now().UnixMilli())

	req := newSubmitRequest(b, agent, index, id, op)
	mc := &Context{Index: index, Collection: req.collection, ID: id, Op: op, Request: req}
	if err := b.trigger(ctx, ActionSubmit, agent, mc); err != nil {
		return nil, err
	}
	if mc.Op != op {
		req.op = mc.Op
	}
	err := req.Run(ctx)
	b.metrics.submitDuration.Observe(time.Since(req.start).Seconds())
	if err != nil {
		return nil, err
	}

	ops := make([]*store.Op, len(req.ops))
	for i, o := range req.ops {
		ops[i] = o.Clone()
	}
	ops, err = b.sanitizeOps(ctx, agent, req.projection, req.collection, id, ops)
	if err != nil {
		return nil, err
	}
	committed := req.op.Clone()
	committed.C, committed.D = req.collection, id
	return &SubmitResult{Op: committed, Ops: ops}, nil
}

func (b *Backend) Fetch(ctx context.Context, agent *Agent, index, id string) (*store.Snapshot, error) {
	collection, proj := b.resolve(index)
	snap, err := b.db.GetSnapshot(ctx, collection, id, fieldsOf(proj))
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", collection, id, err)
	}
	if err := b.sanitizeSnapshots(ctx, agent, proj, index, collection, []*store.Snapshot{snap}); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Backend) FetchBulk(ctx context.Context, agent *Agent, index string, ids []string) (map[string]*store.Snapshot, error) {
	collection, proj := b.resolve(index)
	snaps, err := b.db.GetSnapshotBulk(ctx, collection, ids, fieldsOf(proj))
	if err != nil {
		return nil, fmt.Errorf("fetch bulk %s: %w", collection, err)
	}
	list := make([]*store.Snapshot, 0, len(ids))
	for _, id := range ids {
		if s := snaps[id]; s != nil {
			list = append(list, s)
		}
	}
	if err := b.sanitizeSnapshots(ctx, agent, proj, index, collection, list); err != nil {
		return nil, err
	}
	return snaps, nil
}

// GetOps reads committed ops in [from, to); to may be store.Unbounded.
func (b *Backend) GetOps(ctx context.Context, agent *Agent, index, id string, from, to int) ([]*store.Op, error) {
	collection, proj := b.resolve(index)
	ops, err := b.db.GetOps(ctx, collection, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("get ops %s/%s: %w", collection, id, err)
	}
	for _, op := range ops {
		op.C, op.D = collection, id
	}
	return b.sanitizeOps(ctx, agent, proj, collection, id, ops)
}

// Subscription is a live document subscription. Either Snapshot or Ops is
// set, depending on whether a version was given to Subscribe. Stream may
// repeat ops already reflected in Snapshot or Ops; readers drop ops whose
// version is below the one they hold.
type Subscription struct {
	Stream   *pubsub.Stream
	Snapshot *store.Snapshot
	Ops      []*store.Op
}

// Subscribe streams ops for one document. With a nil version the current
// snapshot is returned; otherwise the ops committed since version are.
func (b *Backend) Subscribe(ctx context.Context, agent *Agent, index, id string, version *int) (*Subscription, error) {
	collection, proj := b.resolve(index)
	stream, err := b.pubsub.Subscribe(ctx, pubsub.DocChannel(collection, id),
		pubsub.WithFilter(b.opFilter(agent, proj, collection)))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s/%s: %w", collection, id, err)
	}

	sub := &Subscription{Stream: stream}
	if version == nil {
		sub.Snapshot, err = b.Fetch(ctx, agent, index, id)
	} else {
		sub.Ops, err = b.GetOps(ctx, agent, index, id, *version, store.Unbounded)
	}
	if err != nil {
		stream.Destroy()
		return nil, err
	}
	return sub, nil
}

// SubscribeBulk subscribes to several documents concurrently. versions may
// omit ids, which then get a snapshot. On error no stream is left open.
func (b *Backend) SubscribeBulk(ctx context.Context, agent *Agent, index string, ids []string, versions map[string]int) (map[string]*Subscription, error) {
	subs := make([]*Subscription, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			var version *int
			if v, ok := versions[id]; ok {
				version = &v
			}
			sub, err := b.Subscribe(gctx, agent, index, id, version)
			if err != nil {
				return err
			}
			subs[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range subs {
			if s != nil {
				s.Stream.Destroy()
			}
		}
		return nil, err
	}

	out := make(map[string]*Subscription, len(ids))
	for i, id := range ids {
		out[id] = subs[i]
	}
	return out, nil
}

// QueryFetch runs q once.
func (b *Backend) QueryFetch(ctx context.Context, agent *Agent, index string, q store.Query) ([]*store.Snapshot, any, error) {
	collection, proj := b.resolve(index)
	q, err := b.prepareQuery(ctx, agent, index, collection, q)
	if err != nil {
		return nil, nil, err
	}
	snaps, extra, err := b.db.Query(ctx, collection, q, fieldsOf(proj))
	if err != nil {
		return nil, nil, fmt.Errorf("query %s: %w", collection, err)
	}
	if err := b.sanitizeSnapshots(ctx, agent, proj, index, collection, snaps); err != nil {
		return nil, nil, err
	}
	return snaps, extra, nil
}

// QuerySubscribe runs q and keeps its results current. Handlers start
// firing once QuerySubscribe returns; Destroy the emitter to stop them.
func (b *Backend) QuerySubscribe(ctx context.Context, agent *Agent, index string, q store.Query, handlers QueryHandlers, opts QueryOptions) (*QueryEmitter, []*store.Snapshot, any, error) {
	collection, proj := b.resolve(index)
	q, err := b.prepareQuery(ctx, agent, index, collection, q)
	if err != nil {
		return nil, nil, nil, err
	}

	// The emitter sees unprojected ops so vetoes can inspect every field;
	// it sanitizes ops itself before handing them to OnOp.
	stream, err := b.pubsub.Subscribe(ctx, pubsub.CollectionChannel(collection))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	snaps, extra, err := b.db.Query(ctx, collection, q, fieldsOf(proj))
	if err == nil {
		err = b.sanitizeSnapshots(ctx, agent, proj, index, collection, snaps)
	}
	if err != nil {
		stream.Destroy()
		return nil, nil, nil, err
	}

	if opts.PollDebounce == 0 {
		opts.PollDebounce = b.pollDebounce
	}
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	e := newQueryEmitter(b, agent, index, collection, proj, q, stream, handlers, opts, ids, extra)
	e.start()
	return e, snaps, extra, nil
}

func (b *Backend) prepareQuery(ctx context.Context, agent *Agent, index, collection string, q store.Query) (store.Query, error) {
	mc := &Context{Index: index, Collection: collection, Query: &q}
	if err := b.trigger(ctx, ActionQuery, agent, mc); err != nil {
		return q, err
	}
	if mc.Query != nil {
		q = *mc.Query
	}
	return q, q.Validate()
}

func (b *Backend) sanitizeSnapshots(ctx context.Context, agent *Agent, proj *projection, index, collection string, snaps []*store.Snapshot) error {
	if proj != nil {
		for _, s := range snaps {
			if err := projectSnapshot(proj.fields, s); err != nil {
				return err
			}
		}
	}
	mc := &Context{Index: index, Collection: collection, Snapshots: snaps}
	if len(snaps) == 1 {
		mc.ID, mc.Snapshot = snaps[0].ID, snaps[0]
	}
	return b.trigger(ctx, ActionReadSnapshots, agent, mc)
}

func (b *Backend) sanitizeOp(ctx context.Context, agent *Agent, proj *projection, collection, id string, op *store.Op) error {
	if proj != nil {
		if err := projectOp(proj.fields, op); err != nil {
			return err
		}
	}
	index := collection
	if proj != nil {
		index = proj.name
	}
	return b.trigger(ctx, ActionOp, agent, &Context{Index: index, Collection: collection, ID: id, Op: op})
}

func (b *Backend) sanitizeOps(ctx context.Context, agent *Agent, proj *projection, collection, id string, ops []*store.Op) ([]*store.Op, error) {
	for _, op := range ops {
		if err := b.sanitizeOp(ctx, agent, proj, collection, id, op); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// opFilter sanitizes published ops on their way into an agent's stream.
func (b *Backend) opFilter(agent *Agent, proj *projection, collection string) pubsub.Filter {
	return func(op *store.Op) (*store.Op, error) {
		if err := b.sanitizeOp(context.Background(), agent, proj, collection, op.D, op); err != nil {
			return nil, err
		}
		return op, nil
	}
}

func fieldsOf(p *projection) store.Fields {
	if p == nil {
		return nil
	}
	return p.fields
}
