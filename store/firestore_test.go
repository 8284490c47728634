package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

func testFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	projectID := os.Getenv("FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("FIRESTORE_PROJECT not set, skipping Firestore tests")
	}
	client, err := firestore.NewClient(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to create Firestore client: %v", err)
	}
	return client
}

// isolatedFirestore prefixes every collection with a unique name so tests
// never see each other's documents.
type isolatedFirestore struct {
	*FirestoreStore
	prefix string
}

func (s *isolatedFirestore) c(collection string) string { return s.prefix + collection }

func (s *isolatedFirestore) Commit(ctx context.Context, collection, id string, op *Op, snap *Snapshot) (bool, error) {
	return s.FirestoreStore.Commit(ctx, s.c(collection), id, op, snap)
}

func (s *isolatedFirestore) GetSnapshot(ctx context.Context, collection, id string, fields Fields) (*Snapshot, error) {
	return s.FirestoreStore.GetSnapshot(ctx, s.c(collection), id, fields)
}

func (s *isolatedFirestore) GetSnapshotBulk(ctx context.Context, collection string, ids []string, fields Fields) (map[string]*Snapshot, error) {
	return s.FirestoreStore.GetSnapshotBulk(ctx, s.c(collection), ids, fields)
}

func (s *isolatedFirestore) GetOps(ctx context.Context, collection, id string, from, to int) ([]*Op, error) {
	return s.FirestoreStore.GetOps(ctx, s.c(collection), id, from, to)
}

func (s *isolatedFirestore) GetOpsBulk(ctx context.Context, collection string, from, to map[string]int) (map[string][]*Op, error) {
	return s.FirestoreStore.GetOpsBulk(ctx, s.c(collection), from, to)
}

func (s *isolatedFirestore) GetCommittedOpVersion(ctx context.Context, collection, id string, snap *Snapshot, op *Op) (int, bool, error) {
	return s.FirestoreStore.GetCommittedOpVersion(ctx, s.c(collection), id, snap, op)
}

func (s *isolatedFirestore) Query(ctx context.Context, collection string, q Query, fields Fields) ([]*Snapshot, any, error) {
	return s.FirestoreStore.Query(ctx, s.c(collection), q, fields)
}

func (s *isolatedFirestore) QueryPoll(ctx context.Context, collection string, q Query) ([]string, any, error) {
	return s.FirestoreStore.QueryPoll(ctx, s.c(collection), q)
}

func (s *isolatedFirestore) QueryPollDoc(ctx context.Context, collection, id string, q Query) (bool, error) {
	return s.FirestoreStore.QueryPollDoc(ctx, s.c(collection), id, q)
}

// cleanup deletes every document and ops subcollection under the prefix.
func (s *isolatedFirestore) cleanup(collections ...string) {
	ctx := context.Background()
	for _, c := range collections {
		docs := s.client.Collection(s.c(c)).DocumentRefs(ctx)
		for {
			ref, err := docs.Next()
			if err == iterator.Done || err != nil {
				break
			}
			ops := ref.Collection("ops").Documents(ctx)
			for {
				snap, err := ops.Next()
				if err != nil {
					break
				}
				snap.Ref.Delete(ctx)
			}
			ref.Delete(ctx)
		}
	}
}

func TestFirestoreStore(t *testing.T) {
	client := testFirestoreClient(t)
	t.Cleanup(func() { client.Close() })

	testDB(t, func(t *testing.T) DB {
		name := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
		s := &isolatedFirestore{
			FirestoreStore: NewFirestoreStore(client),
			prefix:         fmt.Sprintf("test-%s-%d-", name, time.Now().UnixNano()),
		}
		t.Cleanup(func() { s.cleanup("books", "dogs") })
		return s
	})
}

func TestZeroPad(t *testing.T) {
	if got := zeroPad(42); got != "0000000042" {
		t.Errorf("zeroPad(42) = %q", got)
	}
	// Lexical order must match numeric order for range reads.
	if zeroPad(9) >= zeroPad(10) {
		t.Error("zero padding does not preserve order")
	}
}
