package server

import (
	"context"
	"sync"

	"github.com/alimasry/otsync/backend"
	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/store"
)

type docKey struct {
	index string
	id    string
}

// Session holds the subscriptions of one connection. Requests are handled
// in order on the client's read goroutine; pushes arrive from stream and
// emitter goroutines.
type Session struct {
	backend *backend.Backend
	agent   *backend.Agent
	client  *Client

	// ctx is cancelled by close and bounds the reads done for pushes.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the maps and orders query replies before their pushes.
	mu      sync.Mutex
	docs    map[docKey]*backend.Subscription
	queries map[int]*backend.QueryEmitter
	seq     int
	closed  bool
}

func newSession(b *backend.Backend, agent *backend.Agent, c *Client) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		backend: b,
		agent:   agent,
		client:  c,
		ctx:     ctx,
		cancel:  cancel,
		docs:    make(map[docKey]*backend.Subscription),
		queries: make(map[int]*backend.QueryEmitter),
	}
}

// handshake tells the client the src its ops are stamped with.
func (s *Session) handshake() {
	s.client.sendMsg(ServerMessage{Action: MsgHandshake, ID: s.agent.ID})
}

func (s *Session) handle(ctx context.Context, msg ClientMessage) {
	if err := s.agent.Receive(ctx, msg); err != nil {
		s.client.sendError(msg, err)
		return
	}

	var err error
	switch msg.Action {
	case MsgFetch:
		err = s.fetch(ctx, msg)
	case MsgSubscribe:
		err = s.subscribe(ctx, msg)
	case MsgUnsubscribe:
		err = s.unsubscribe(msg)
	case MsgOp:
		err = s.submit(ctx, msg)
	case MsgQueryFetch:
		err = s.queryFetch(ctx, msg)
	case MsgQuerySubscribe:
		err = s.querySubscribe(ctx, msg)
	case MsgQueryUnsubscribe:
		err = s.queryUnsubscribe(msg)
	default:
		err = errs.Newf(errs.UnknownAction, "unknown action %q", msg.Action)
	}
	if err != nil {
		s.client.sendError(msg, err)
	}
}

func (s *Session) fetch(ctx context.Context, msg ClientMessage) error {
	reply := ServerMessage{Action: MsgFetch, RID: msg.RID, C: msg.C, D: msg.D}
	if msg.V != nil {
		ops, err := s.backend.GetOps(ctx, s.agent, msg.C, msg.D, *msg.V, store.Unbounded)
		if err != nil {
			return err
		}
		reply.Ops = ops
	} else {
		snap, err := s.backend.Fetch(ctx, s.agent, msg.C, msg.D)
		if err != nil {
			return err
		}
		reply.Snapshot = snap
	}
	s.client.sendMsg(reply)
	return nil
}

func (s *Session) subscribe(ctx context.Context, msg ClientMessage) error {
	key := docKey{msg.C, msg.D}
	s.dropDoc(key)

	sub, err := s.backend.Subscribe(ctx, s.agent, msg.C, msg.D, msg.V)
	if err != nil {
		return err
	}
	var next int
	if sub.Snapshot != nil {
		next = sub.Snapshot.V
	} else {
		next = *msg.V + len(sub.Ops)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Stream.Destroy()
		return nil
	}
	s.docs[key] = sub
	s.mu.Unlock()

	s.client.sendMsg(ServerMessage{Action: MsgSubscribe, RID: msg.RID, C: msg.C, D: msg.D, Snapshot: sub.Snapshot, Ops: sub.Ops})
	go s.forward(key, sub, next)
	return nil
}

// forward pushes a document's ops to the client in version order. The
// stream was opened before the snapshot was read, so ops below next are
// duplicates. Publish order can differ from commit order; a gap is filled
// from the op log before the op that revealed it is sent.
func (s *Session) forward(key docKey, sub *backend.Subscription, next int) {
	for m := range sub.Stream.C() {
		if m.Err != nil {
			s.pushError(key, m.Err)
			continue
		}
		v := m.Op.Version()
		if v < next {
			continue
		}
		if v > next {
			missing, err := s.backend.GetOps(s.ctx, s.agent, key.index, key.id, next, v)
			if err == nil && len(missing) != v-next {
				err = errs.Newf(errs.TransformOpsNotFound, "ops %d to %d missing from the log", next, v)
			}
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.pushError(key, err)
				continue
			}
			for _, op := range missing {
				s.pushOp(key, op)
			}
		}
		next = v + 1
		s.pushOp(key, m.Op)
	}
}

func (s *Session) pushOp(key docKey, op *store.Op) {
	if s.own(op) {
		return
	}
	s.client.sendMsg(ServerMessage{Action: MsgOp, C: key.index, D: key.id, Op: op})
}

func (s *Session) pushError(key docKey, err error) {
	s.client.sendMsg(ServerMessage{Action: MsgOp, C: key.index, D: key.id, Error: errorBody(err)})
}

func (s *Session) unsubscribe(msg ClientMessage) error {
	s.dropDoc(docKey{msg.C, msg.D})
	s.client.sendMsg(ServerMessage{Action: MsgUnsubscribe, RID: msg.RID, C: msg.C, D: msg.D})
	return nil
}

func (s *Session) dropDoc(key docKey) {
	s.mu.Lock()
	sub := s.docs[key]
	delete(s.docs, key)
	s.mu.Unlock()
	if sub != nil {
		sub.Stream.Destroy()
	}
}

func (s *Session) submit(ctx context.Context, msg ClientMessage) error {
	op, err := backend.DecodeOp(msg.Op)
	if err != nil {
		return err
	}
	if !op.HasSrc() && op.Seq == 0 {
		s.mu.Lock()
		s.seq++
		op.Src, op.Seq = s.agent.ID, s.seq
		s.mu.Unlock()
	}

	reply := ServerMessage{Action: MsgOp, RID: msg.RID, C: msg.C, D: msg.D}
	res, err := s.backend.Submit(ctx, s.agent, msg.C, msg.D, op)
	if err != nil {
		e, ok := errs.As(err)
		if !ok || e.Code != errs.OpAlreadySubmitted {
			return err
		}
		reply.V = &e.Version
		reply.Error = errorBody(err)
		s.client.sendMsg(reply)
		return nil
	}
	reply.V = res.Op.V
	reply.Ops = res.Ops
	s.client.sendMsg(reply)
	return nil
}

func (s *Session) queryFetch(ctx context.Context, msg ClientMessage) error {
	snaps, extra, err := s.backend.QueryFetch(ctx, s.agent, msg.C, queryOf(msg))
	if err != nil {
		return err
	}
	s.client.sendMsg(ServerMessage{Action: MsgQueryFetch, RID: msg.RID, C: msg.C, Snapshots: snaps, Extra: extra})
	return nil
}

func (s *Session) querySubscribe(ctx context.Context, msg ClientMessage) error {
	qid := msg.QID
	s.dropQuery(qid)

	push := func(m ServerMessage) {
		m.QID = qid
		s.mu.Lock()
		defer s.mu.Unlock()
		s.client.sendMsg(m)
	}
	handlers := backend.QueryHandlers{
		OnDiff:  func(d []backend.Diff) { push(ServerMessage{Action: MsgQuery, C: msg.C, Diff: d}) },
		OnExtra: func(extra any) { push(ServerMessage{Action: MsgQuery, C: msg.C, Extra: extra}) },
		OnOp: func(op *store.Op) {
			if !s.own(op) {
				push(ServerMessage{Action: MsgOp, C: msg.C, D: op.D, Op: op})
			}
		},
		OnError: func(err error) { push(ServerMessage{Action: MsgQuery, C: msg.C, Error: errorBody(err)}) },
	}

	// Holding mu until the reply is queued keeps early pushes behind it.
	s.mu.Lock()
	defer s.mu.Unlock()
	e, snaps, extra, err := s.backend.QuerySubscribe(ctx, s.agent, msg.C, queryOf(msg), handlers, backend.QueryOptions{})
	if err != nil {
		return err
	}
	if s.closed {
		e.Destroy()
		return nil
	}
	s.queries[qid] = e
	s.client.sendMsg(ServerMessage{Action: MsgQuerySubscribe, RID: msg.RID, C: msg.C, QID: qid, Snapshots: snaps, Extra: extra})
	return nil
}

func (s *Session) queryUnsubscribe(msg ClientMessage) error {
	s.dropQuery(msg.QID)
	s.client.sendMsg(ServerMessage{Action: MsgQueryUnsubscribe, RID: msg.RID, QID: msg.QID})
	return nil
}

func (s *Session) dropQuery(qid int) {
	s.mu.Lock()
	e := s.queries[qid]
	delete(s.queries, qid)
	s.mu.Unlock()
	if e != nil {
		e.Destroy()
	}
}

// own reports whether op was submitted through this session.
func (s *Session) own(op *store.Op) bool {
	return op.Src == s.agent.ID
}

// close releases every subscription. The session handles nothing after.
func (s *Session) close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	docs, queries := s.docs, s.queries
	s.docs = make(map[docKey]*backend.Subscription)
	s.queries = make(map[int]*backend.QueryEmitter)
	s.mu.Unlock()

	for _, sub := range docs {
		sub.Stream.Destroy()
	}
	for _, e := range queries {
		e.Destroy()
	}
}

func queryOf(msg ClientMessage) store.Query {
	if msg.Query == nil {
		return store.Query{}
	}
	return *msg.Query
}
