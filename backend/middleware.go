package backend

import (
	"context"

	"github.com/alimasry/otsync/store"
)

// Action names a middleware hook point.
type Action string

const (
	// ActionConnect runs when an agent connects.
	ActionConnect Action = "connect"
	// ActionReceive runs for every inbound client message.
	ActionReceive Action = "receive"
	// ActionSubmit runs before the submission pipeline starts.
	ActionSubmit Action = "submit"
	// ActionApply runs before an op is applied to the fetched snapshot.
	ActionApply Action = "apply"
	// ActionCommit runs after apply, before the compare-and-commit. It may
	// change Channels.
	ActionCommit Action = "commit"
	// ActionAfterSubmit runs once an op is committed and published.
	ActionAfterSubmit Action = "afterSubmit"
	// ActionOp runs for each op sent to an agent.
	ActionOp Action = "op"
	// ActionReadSnapshots runs for snapshots sent to an agent.
	ActionReadSnapshots Action = "readSnapshots"
	// ActionQuery runs before a query executes. It may rewrite Query.
	ActionQuery Action = "query"
)

// Context carries the request to a middleware. Only the fields relevant to
// Action are set; middleware may modify them in place.
type Context struct {
	Action  Action
	Agent   *Agent
	Backend *Backend

	// Index is the name the client used; Collection is the real collection.
	Index      string
	Collection string
	ID         string

	Op        *store.Op
	Snapshot  *store.Snapshot
	Snapshots []*store.Snapshot
	Query     *store.Query
	Channels  []string
	Request   *SubmitRequest

	// Data is the decoded inbound message for ActionReceive.
	Data any
}

// Middleware inspects or rewrites a request. A non-nil error aborts the
// remaining chain and is returned to the caller.
type Middleware func(ctx context.Context, mc *Context) error

// Use appends fns to the chain for action. Chains run in registration order.
func (b *Backend) Use(action Action, fns ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware[action] = append(b.middleware[action], fns...)
}

func (b *Backend) trigger(ctx context.Context, action Action, agent *Agent, mc *Context) error {
	b.mu.RLock()
	chain := b.middleware[action]
	b.mu.RUnlock()
	if len(chain) == 0 {
		return nil
	}

	mc.Action = action
	mc.Agent = agent
	mc.Backend = b
	for _, fn := range chain {
		if err := fn(ctx, mc); err != nil {
			return err
		}
	}
	return nil
}
