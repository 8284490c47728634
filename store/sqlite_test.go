package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "otsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	testDB(t, func(t *testing.T) DB { return openTestSQLite(t) })
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "otsync.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	create(t, s, "books", "1984", map[string]any{"title": "1984"})
	s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	snap, err := s.GetSnapshot(ctx, "books", "1984", nil)
	if err != nil {
		t.Fatal(err)
	}
	if snap.V != 1 || snap.Data.(map[string]any)["title"] != "1984" {
		t.Errorf("snapshot not persisted: %+v", snap)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Error("expected error for empty path")
	}
}
