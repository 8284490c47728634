package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errLostRace aborts a commit transaction whose base version is stale.
var errLostRace = errors.New("version moved")

// FirestoreStore is a Firestore-backed implementation of DB. Each
// collection maps to a Firestore collection of snapshot documents; ops live
// in an "ops" subcollection keyed by zero-padded version. Payloads are
// stored as JSON strings since Firestore cannot hold nested arrays.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) docRef(collection, id string) *firestore.DocumentRef {
	return s.client.Collection(collection).Doc(id)
}

func (s *FirestoreStore) opsCollection(collection, id string) *firestore.CollectionRef {
	return s.docRef(collection, id).Collection("ops")
}

func zeroPad(version int) string {
	return fmt.Sprintf("%010d", version)
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) Commit(ctx context.Context, collection, id string, op *Op, snapshot *Snapshot) (bool, error) {
	if op.V == nil {
		return false, fmt.Errorf("commit %s/%s: op has no version", collection, id)
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return false, fmt.Errorf("encode op: %w", err)
	}
	fields, err := snapshotFields(snapshot)
	if err != nil {
		return false, err
	}

	docRef := s.docRef(collection, id)
	opRef := s.opsCollection(collection, id).Doc(zeroPad(*op.V))
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current := 0
		snap, err := tx.Get(docRef)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			v, _ := snap.Data()["v"].(int64)
			current = int(v)
		}
		if current != *op.V {
			return errLostRace
		}
		if err := tx.Create(opRef, map[string]interface{}{
			"v":       *op.V,
			"src":     op.Src,
			"seq":     op.Seq,
			"payload": string(payload),
		}); err != nil {
			return err
		}
		return tx.Set(docRef, fields)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errLostRace), status.Code(err) == codes.AlreadyExists:
		return false, nil
	default:
		return false, fmt.Errorf("commit %s/%s: %w", collection, id, err)
	}
}

func snapshotFields(snap *Snapshot) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"v":         snap.V,
		"type":      snap.Type,
		"updatedAt": time.Now(),
	}
	if snap.Data != nil {
		b, err := json.Marshal(snap.Data)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot data: %w", err)
		}
		fields["data"] = string(b)
	}
	if snap.M != nil {
		b, err := json.Marshal(snap.M)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot metadata: %w", err)
		}
		fields["m"] = string(b)
	}
	return fields, nil
}

func firestoreToSnapshot(id string, doc *firestore.DocumentSnapshot) (*Snapshot, error) {
	data := doc.Data()
	version, _ := data["v"].(int64)
	typ, _ := data["type"].(string)
	snap := &Snapshot{ID: id, V: int(version), Type: typ}
	if raw, ok := data["data"].(string); ok {
		if err := json.Unmarshal([]byte(raw), &snap.Data); err != nil {
			return nil, fmt.Errorf("decode snapshot data %s: %w", id, err)
		}
	}
	if raw, ok := data["m"].(string); ok {
		if err := json.Unmarshal([]byte(raw), &snap.M); err != nil {
			return nil, fmt.Errorf("decode snapshot metadata %s: %w", id, err)
		}
	}
	return snap, nil
}

func (s *FirestoreStore) GetSnapshot(ctx context.Context, collection, id string, fields Fields) (*Snapshot, error) {
	doc, err := s.docRef(collection, id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &Snapshot{ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	snap, err := firestoreToSnapshot(id, doc)
	if err != nil {
		return nil, err
	}
	snap.Data = fields.Apply(snap.Data)
	return snap, nil
}

// GetSnapshotBulk reads all ids in one GetAll round trip.
func (s *FirestoreStore) GetSnapshotBulk(ctx context.Context, collection string, ids []string, fields Fields) (map[string]*Snapshot, error) {
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = s.docRef(collection, id)
	}
	docs, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Snapshot, len(ids))
	for i, doc := range docs {
		id := ids[i]
		if !doc.Exists() {
			out[id] = &Snapshot{ID: id}
			continue
		}
		snap, err := firestoreToSnapshot(id, doc)
		if err != nil {
			return nil, err
		}
		snap.Data = fields.Apply(snap.Data)
		out[id] = snap
	}
	return out, nil
}

func (s *FirestoreStore) GetOps(ctx context.Context, collection, id string, from, to int) ([]*Op, error) {
	if from < 0 {
		return nil, fmt.Errorf("invalid version %d", from)
	}
	q := s.opsCollection(collection, id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(from))
	if to != Unbounded {
		q = q.EndBefore(zeroPad(to))
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	ops := make([]*Op, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		op, err := firestoreToOp(doc)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func firestoreToOp(doc *firestore.DocumentSnapshot) (*Op, error) {
	raw, ok := doc.Data()["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid payload field in op %s", doc.Ref.ID)
	}
	var op Op
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return nil, fmt.Errorf("decode op %s: %w", doc.Ref.ID, err)
	}
	return &op, nil
}

func (s *FirestoreStore) GetOpsBulk(ctx context.Context, collection string, from, to map[string]int) (map[string][]*Op, error) {
	return GetOpsBulk(ctx, s, collection, from, to)
}

// GetCommittedOpVersion queries the ops subcollection by src and seq.
func (s *FirestoreStore) GetCommittedOpVersion(ctx context.Context, collection, id string, snapshot *Snapshot, op *Op) (int, bool, error) {
	if !op.HasSrc() {
		return 0, false, nil
	}
	iter := s.opsCollection(collection, id).
		Where("src", "==", op.Src).
		Where("seq", "==", op.Seq).
		Documents(ctx)
	defer iter.Stop()

	version, found := 0, false
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, false, err
		}
		v, _ := doc.Data()["v"].(int64)
		if int(v) < snapshot.V && (!found || int(v) > version) {
			version, found = int(v), true
		}
	}
	return version, found, nil
}

// Query reads the collection's live snapshots and evaluates q in process.
func (s *FirestoreStore) Query(ctx context.Context, collection string, q Query, fields Fields) ([]*Snapshot, any, error) {
	iter := s.client.Collection(collection).Where("type", "!=", "").Documents(ctx)
	defer iter.Stop()

	var snaps []*Snapshot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		snap, err := firestoreToSnapshot(doc.Ref.ID, doc)
		if err != nil {
			return nil, nil, err
		}
		snaps = append(snaps, snap)
	}
	matched, extra, err := RunQuery(snaps, q)
	if err != nil {
		return nil, nil, err
	}
	for _, snap := range matched {
		snap.Data = fields.Apply(snap.Data)
	}
	return matched, extra, nil
}

func (s *FirestoreStore) QueryPoll(ctx context.Context, collection string, q Query) ([]string, any, error) {
	return QueryPoll(ctx, s, collection, q)
}

func (s *FirestoreStore) QueryPollDoc(ctx context.Context, collection, id string, q Query) (bool, error) {
	if err := q.Validate(); err != nil {
		return false, err
	}
	snap, err := s.GetSnapshot(ctx, collection, id, nil)
	if err != nil {
		return false, err
	}
	return snap.Exists() && Match(snap.Data, q.Filter), nil
}

func (s *FirestoreStore) CanPollDoc(_ string, q Query) bool { return !q.ordered() }

func (s *FirestoreStore) SkipPoll(_, _ string, op *Op, q Query) bool { return SkipPollFields(op, q) }
