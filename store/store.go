package store

import (
	"context"
	"strings"

	"github.com/alimasry/otsync/ot"
)

// Unbounded as the upper bound of GetOps means "up to the current version".
const Unbounded = -1

// Snapshot is the materialized state of one document at version V.
// An empty Type means the document was never created or has been deleted.
type Snapshot struct {
	ID   string         `json:"id"`
	V    int            `json:"v"`
	Type string         `json:"type"`
	Data any            `json:"data,omitempty"`
	M    map[string]any `json:"m,omitempty"`
}

// Exists reports whether the document currently has a type.
func (s *Snapshot) Exists() bool { return s.Type != "" }

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Data = ot.Clone(s.Data)
	out.M = cloneMap(s.M)
	return &out
}

// CreateOp is the payload of a create operation.
type CreateOp struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Op is a submitted or committed operation. At most one of Create, Del and
// Op is set; none set is a no-op. V is the base version; nil on submit means
// "apply at the current version". Src and Seq form the idempotency key and
// are both set or both zero. C and D name the collection and document on
// published ops.
type Op struct {
	V      *int           `json:"v,omitempty"`
	Src    string         `json:"src,omitempty"`
	Seq    int            `json:"seq,omitempty"`
	Create *CreateOp      `json:"create,omitempty"`
	Del    bool           `json:"del,omitempty"`
	Op     any            `json:"op,omitempty"`
	M      map[string]any `json:"m,omitempty"`
	C      string         `json:"c,omitempty"`
	D      string         `json:"d,omitempty"`
}

// Version returns the base version, or -1 when unset.
func (o *Op) Version() int {
	if o.V == nil {
		return -1
	}
	return *o.V
}

// SetVersion sets the base version.
func (o *Op) SetVersion(v int) { o.V = &v }

func (o *Op) IsCreate() bool { return o.Create != nil }
func (o *Op) IsEdit() bool   { return o.Op != nil }

// HasSrc reports whether the op carries an idempotency key.
func (o *Op) HasSrc() bool { return o.Src != "" }

// SameSubmission reports whether o and other share an idempotency key.
func (o *Op) SameSubmission(other *Op) bool {
	return o.HasSrc() && o.Src == other.Src && o.Seq == other.Seq
}

// Clone returns a deep copy.
func (o *Op) Clone() *Op {
	if o == nil {
		return nil
	}
	out := *o
	if o.V != nil {
		out.SetVersion(*o.V)
	}
	if o.Create != nil {
		c := *o.Create
		c.Data = ot.Clone(o.Create.Data)
		out.Create = &c
	}
	out.Op = ot.Clone(o.Op)
	out.M = cloneMap(o.M)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return ot.Clone(m).(map[string]any)
}

// Fields is a whitelist of top-level data fields. A nil Fields means all.
type Fields map[string]bool

// Apply returns data restricted to the whitelisted top-level fields.
// Non-object data is returned as is.
func (f Fields) Apply(data any) any {
	if f == nil {
		return data
	}
	m, ok := data.(map[string]any)
	if !ok {
		return data
	}
	out := make(map[string]any, len(f))
	for k, v := range m {
		if f[k] {
			out[k] = v
		}
	}
	return out
}

// SortKey orders query results by a dot-separated field path.
type SortKey struct {
	Field string `json:"field" yaml:"field"`
	Desc  bool   `json:"desc,omitempty" yaml:"desc"`
}

// Query selects documents in one collection. Filter keys are dot-separated
// field paths; see Match for the supported value forms. When Count is set,
// the extra value is the total number of matches ignoring Limit.
type Query struct {
	Filter map[string]any `json:"filter,omitempty"`
	Sort   []SortKey      `json:"sort,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Count  bool           `json:"count,omitempty"`
}

// ordered reports whether result membership depends on other documents.
func (q Query) ordered() bool {
	return len(q.Sort) > 0 || q.Limit > 0 || q.Count
}

// DB stores snapshots and the append-only op log.
//
// Commit is the only write: it appends op at version *op.V and stores
// snapshot, but only when the stored version still equals *op.V. It returns
// false, nil when another writer got there first.
type DB interface {
	Commit(ctx context.Context, collection, id string, op *Op, snapshot *Snapshot) (bool, error)
	GetSnapshot(ctx context.Context, collection, id string, fields Fields) (*Snapshot, error)
	GetSnapshotBulk(ctx context.Context, collection string, ids []string, fields Fields) (map[string]*Snapshot, error)
	// GetOps returns ops with base versions in [from, to). to may be Unbounded.
	GetOps(ctx context.Context, collection, id string, from, to int) ([]*Op, error)
	// GetOpsBulk reads ops for several documents. A nil to map, or a
	// missing entry, means Unbounded.
	GetOpsBulk(ctx context.Context, collection string, from, to map[string]int) (map[string][]*Op, error)
	// GetCommittedOpVersion finds the version at which an op with the same
	// src and seq was committed.
	GetCommittedOpVersion(ctx context.Context, collection, id string, snapshot *Snapshot, op *Op) (int, bool, error)
	Query(ctx context.Context, collection string, q Query, fields Fields) ([]*Snapshot, any, error)
	QueryPoll(ctx context.Context, collection string, q Query) ([]string, any, error)
	QueryPollDoc(ctx context.Context, collection, id string, q Query) (bool, error)
	// CanPollDoc reports whether QueryPollDoc can decide membership of a
	// single changed document for q.
	CanPollDoc(collection string, q Query) bool
	// SkipPoll reports whether op cannot change q's results.
	SkipPoll(collection, id string, op *Op, q Query) bool
	Close() error
}

// SkipPollFields vetoes a poll when op is a json0 edit whose components
// touch no top-level field that q filters or sorts on. Creates, deletes and
// edits of other types never skip.
func SkipPollFields(op *Op, q Query) bool {
	if op == nil || !op.IsEdit() {
		return false
	}
	comps, err := ot.ParseJSON0(op.Op)
	if err != nil {
		return false
	}
	watched := make(map[string]bool, len(q.Filter)+len(q.Sort))
	for path := range q.Filter {
		watched[topField(path)] = true
	}
	for _, s := range q.Sort {
		watched[topField(s.Field)] = true
	}
	for _, c := range comps {
		if len(c.P) == 0 {
			return false
		}
		key, ok := c.P[0].(string)
		if !ok || watched[key] {
			return false
		}
	}
	return true
}

func topField(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}
