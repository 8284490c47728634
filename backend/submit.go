package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/ot"
	"github.com/alimasry/otsync/pubsub"
	"github.com/alimasry/otsync/store"
)

type submitState int

const (
	stateFetch submitState = iota
	stateVersionCheck
	stateTransform
	stateApply
	stateCommit
	stateDone
)

func (s submitState) String() string {
	switch s {
	case stateFetch:
		return "fetch"
	case stateVersionCheck:
		return "version-check"
	case stateTransform:
		return "transform"
	case stateApply:
		return "apply"
	case stateCommit:
		return "commit"
	default:
		return "done"
	}
}

// SubmitRequest carries one op through fetch, transform, apply and
// compare-and-commit. A lost commit race restarts from fetch with the
// original op.
type SubmitRequest struct {
	backend    *Backend
	agent      *Agent
	index      string
	collection string
	id         string
	projection *projection

	original *store.Op
	op       *store.Op
	snapshot *store.Snapshot
	// ops are the committed ops op was transformed against.
	ops      []*store.Op
	channels []string
	retries  int
	start    time.Time
}

func newSubmitRequest(b *Backend, agent *Agent, index, id string, op *store.Op) *SubmitRequest {
	collection, proj := b.resolve(index)
	return &SubmitRequest{
		backend:    b,
		agent:      agent,
		index:      index,
		collection: collection,
		id:         id,
		projection: proj,
		op:         op,
		channels:   []string{pubsub.CollectionChannel(collection), pubsub.DocChannel(collection, id)},
		start:      time.Now(),
	}
}

// Op is the op in flight. Submit middleware may modify it before the
// pipeline starts; later hooks see the transformed op.
func (r *SubmitRequest) Op() *store.Op { return r.op }

// Snapshot is the fetched snapshot, or after apply the snapshot to commit.
func (r *SubmitRequest) Snapshot() *store.Snapshot { return r.snapshot }

// Retries is how many commit races this request has lost.
func (r *SubmitRequest) Retries() int { return r.retries }

// Run drives the request to completion.
func (r *SubmitRequest) Run(ctx context.Context) error {
	r.original = r.op.Clone()
	state := stateFetch
	for state != stateDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch state {
		case stateFetch:
			state, err = r.fetch(ctx)
		case stateVersionCheck:
			state, err = r.checkVersion()
		case stateTransform:
			state, err = r.transform(ctx)
		case stateApply:
			state, err = r.apply(ctx)
		case stateCommit:
			state, err = r.commit(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *SubmitRequest) fetch(ctx context.Context) (submitState, error) {
	snap, err := r.backend.db.GetSnapshot(ctx, r.collection, r.id, nil)
	if err != nil {
		return stateDone, fmt.Errorf("fetch %s/%s: %w", r.collection, r.id, err)
	}
	r.snapshot = snap

	if r.op.V == nil {
		if r.op.IsCreate() && snap.Exists() && r.op.HasSrc() {
			// Either someone else created the document, or this is a resend
			// of our own create that already committed.
			v, found, err := r.backend.db.GetCommittedOpVersion(ctx, r.collection, r.id, snap, r.op)
			if err != nil {
				return stateDone, fmt.Errorf("find committed op %s/%s: %w", r.collection, r.id, err)
			}
			if found {
				return stateDone, alreadySubmitted(v)
			}
			return stateDone, errs.Newf(errs.DocAlreadyCreated, "document %s/%s already created", r.collection, r.id)
		}
		r.op.SetVersion(snap.V)
	}
	return stateVersionCheck, nil
}

func (r *SubmitRequest) checkVersion() (submitState, error) {
	switch v := *r.op.V; {
	case v == r.snapshot.V:
		return stateApply, nil
	case v > r.snapshot.V:
		return stateDone, errs.Newf(errs.OpVersionNewer, "op v%d is newer than snapshot v%d", v, r.snapshot.V)
	default:
		return stateTransform, nil
	}
}

func (r *SubmitRequest) transform(ctx context.Context) (submitState, error) {
	from, to := *r.op.V, r.snapshot.V
	ops, err := r.backend.db.GetOps(ctx, r.collection, r.id, from, to)
	if err != nil {
		return stateDone, fmt.Errorf("get ops %s/%s: %w", r.collection, r.id, err)
	}
	// More ops than expected means the log moved past the snapshot; that is
	// caught by the version check after the loop.
	if len(ops) < to-from {
		return stateDone, errs.Newf(errs.TransformOpsNotFound,
			"found %d ops in [%d, %d) for %s/%s", len(ops), from, to, r.collection, r.id)
	}
	var edits []any
	for _, applied := range ops {
		if r.op.SameSubmission(applied) {
			return stateDone, alreadySubmitted(applied.Version())
		}
		if err := r.checkEnvelope(applied); err != nil {
			return stateDone, err
		}
		if applied.IsEdit() && r.op.IsEdit() {
			edits = append(edits, applied.Op)
		}
		r.op.SetVersion(*r.op.V + 1)
		r.ops = append(r.ops, applied)
	}
	if len(edits) > 0 {
		if err := r.rebase(edits); err != nil {
			return stateDone, err
		}
	}
	if *r.op.V != r.snapshot.V {
		return stateDone, errs.Newf(errs.OpVersionMismatchAfterTransform,
			"op v%d does not match snapshot v%d after transform", *r.op.V, r.snapshot.V)
	}
	return stateApply, nil
}

// checkEnvelope decides conflicts between r.op and one committed op that
// the document type cannot resolve.
func (r *SubmitRequest) checkEnvelope(applied *store.Op) error {
	op := r.op
	if applied.Version() != *op.V {
		return errs.Newf(errs.OpVersionMismatchDuringTransform,
			"op v%d cannot transform against op v%d", *op.V, applied.Version())
	}
	switch {
	case applied.Del:
		if op.IsCreate() || op.IsEdit() {
			return errs.New(errs.DocWasDeleted, "document was deleted")
		}
	case applied.IsCreate() && (op.IsEdit() || op.IsCreate() || op.Del),
		applied.IsEdit() && op.IsCreate():
		return errs.New(errs.DocWasCreated, "document was created")
	}
	return nil
}

// rebase transforms the edit in r.op past the committed edits, in order.
func (r *SubmitRequest) rebase(edits []any) error {
	if !r.snapshot.Exists() {
		return errs.New(errs.DocDoesNotExist, "document does not exist")
	}
	t, err := r.backend.types.Lookup(r.snapshot.Type)
	if err != nil {
		return err
	}
	rebased, err := ot.Rebase(t, r.op.Op, edits, ot.Left)
	if err != nil {
		return err
	}
	r.op.Op = rebased
	return nil
}

func (r *SubmitRequest) apply(ctx context.Context) (submitState, error) {
	if r.projection != nil && !isOpAllowed(r.snapshot.Type, r.projection.fields, r.op) {
		return stateDone, errs.Newf(errs.OpNotAllowedInProjection, "op not allowed in projection %s", r.index)
	}
	if r.backend.doNotCommitNoOps && r.isNoop() {
		return stateDone, errs.New(errs.NoOp, "op is a no-op")
	}
	mc := &Context{Index: r.index, Collection: r.collection, ID: r.id, Op: r.op, Snapshot: r.snapshot, Request: r}
	if err := r.backend.trigger(ctx, ActionApply, r.agent, mc); err != nil {
		return stateDone, err
	}

	next, err := applyOp(r.backend.types, r.snapshot, r.op)
	if err != nil {
		return stateDone, err
	}
	stampSnapshot(next, r.snapshot, r.op)
	r.snapshot = next
	return stateCommit, nil
}

func (r *SubmitRequest) isNoop() bool {
	if !r.op.IsEdit() || !r.snapshot.Exists() {
		return false
	}
	t, err := r.backend.types.Lookup(r.snapshot.Type)
	return err == nil && ot.IsNoop(t, r.op.Op)
}

// applyOp returns a copy of snap with op applied and the version bumped.
func applyOp(types *ot.Registry, snap *store.Snapshot, op *store.Op) (*store.Snapshot, error) {
	if op.Version() != snap.V {
		return nil, errs.Newf(errs.ApplyVersionMismatch, "op v%d does not match snapshot v%d", op.Version(), snap.V)
	}
	next := snap.Clone()
	switch {
	case op.IsCreate():
		if snap.Exists() {
			return nil, errs.New(errs.DocAlreadyCreated, "document already created")
		}
		t, err := types.Lookup(op.Create.Type)
		if err != nil {
			return nil, err
		}
		data, err := ot.Create(t, ot.Clone(op.Create.Data))
		if err != nil {
			return nil, err
		}
		next.Type, next.Data = t.URI(), data
	case op.Del:
		next.Type, next.Data = "", nil
	case op.IsEdit():
		if !snap.Exists() {
			return nil, errs.New(errs.DocDoesNotExist, "document does not exist")
		}
		t, err := types.Lookup(snap.Type)
		if err != nil {
			return nil, err
		}
		data, err := ot.Apply(t, next.Data, op.Op)
		if err != nil {
			return nil, err
		}
		next.Data = data
	}
	next.V++
	return next, nil
}

// stampSnapshot records ctime on create and mtime on every commit, taking
// the time from the op's ts.
func stampSnapshot(next, prev *store.Snapshot, op *store.Op) {
	ts, ok := op.M["ts"]
	if !ok {
		ts = float64(time.Now().UnixMilli())
	}
	m := make(map[string]any, 2)
	for k, v := range prev.M {
		m[k] = v
	}
	if op.IsCreate() {
		m["ctime"] = ts
	}
	m["mtime"] = ts
	next.M = m
}

func (r *SubmitRequest) commit(ctx context.Context) (submitState, error) {
	mc := &Context{
		Index: r.index, Collection: r.collection, ID: r.id,
		Op: r.op, Snapshot: r.snapshot, Channels: r.channels, Request: r,
	}
	if err := r.backend.trigger(ctx, ActionCommit, r.agent, mc); err != nil {
		return stateDone, err
	}
	r.channels = mc.Channels

	ok, err := r.backend.db.Commit(ctx, r.collection, r.id, r.op, r.snapshot)
	if err != nil {
		return stateDone, fmt.Errorf("commit %s/%s: %w", r.collection, r.id, err)
	}
	if !ok {
		return r.retry()
	}

	if !r.backend.suppressPublish {
		out := r.op.Clone()
		out.M = nil
		out.C, out.D = r.collection, r.id
		if err := r.backend.pubsub.Publish(ctx, r.channels, out); err != nil {
			// The op is committed; subscribers catch up through GetOps.
			r.backend.logger.Printf("backend: publish %s/%s v%d: %v", r.collection, r.id, *r.op.V, err)
		}
	}

	mc = &Context{Index: r.index, Collection: r.collection, ID: r.id, Op: r.op, Snapshot: r.snapshot, Request: r}
	if err := r.backend.trigger(ctx, ActionAfterSubmit, r.agent, mc); err != nil {
		return stateDone, err
	}
	return stateDone, nil
}

func (r *SubmitRequest) retry() (submitState, error) {
	r.retries++
	r.backend.metrics.retries.Inc()
	if limit := r.backend.maxSubmitRetries; limit > 0 && r.retries > limit {
		return stateDone, errs.Newf(errs.MaxSubmitRetriesExceeded,
			"%s/%s: gave up after %d retries", r.collection, r.id, limit)
	}
	r.op = r.original.Clone()
	r.ops = nil
	r.snapshot = nil
	return stateFetch, nil
}

func alreadySubmitted(v int) error {
	e := errs.Newf(errs.OpAlreadySubmitted, "op already submitted at v%d", v)
	e.Version = v
	return e
}
