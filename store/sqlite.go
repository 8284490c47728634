package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	collection TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	type TEXT NOT NULL,
	data TEXT,
	meta TEXT,
	PRIMARY KEY (collection, doc_id)
);

CREATE TABLE IF NOT EXISTS ops (
	collection TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	src TEXT NOT NULL DEFAULT '',
	seq INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	PRIMARY KEY (collection, doc_id, version)
);

CREATE INDEX IF NOT EXISTS idx_ops_src_seq
ON ops(collection, doc_id, src, seq);
`

// SQLiteStore is a SQLite-backed implementation of DB. The ops primary key
// on (collection, doc_id, version) makes Commit a compare-and-commit even
// across processes sharing the file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; readers queue behind it.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Commit(ctx context.Context, collection, id string, op *Op, snapshot *Snapshot) (bool, error) {
	if op.V == nil {
		return false, fmt.Errorf("commit %s/%s: op has no version", collection, id)
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return false, fmt.Errorf("encode op: %w", err)
	}
	data, meta, err := encodeSnapshot(snapshot)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM snapshots WHERE collection = ? AND doc_id = ?`,
		collection, id).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("read version: %w", err)
	}
	if current != *op.V {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ops (collection, doc_id, version, src, seq, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, collection, id, *op.V, op.Src, op.Seq, string(payload))
	if err != nil {
		return false, fmt.Errorf("insert op: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("insert op: %w", err)
	} else if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (collection, doc_id, version, type, data, meta)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			version = excluded.version,
			type = excluded.type,
			data = excluded.data,
			meta = excluded.meta
	`, collection, id, snapshot.V, snapshot.Type, data, meta)
	if err != nil {
		return false, fmt.Errorf("write snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func encodeSnapshot(snap *Snapshot) (data, meta sql.NullString, err error) {
	if snap.Data != nil {
		b, err := json.Marshal(snap.Data)
		if err != nil {
			return data, meta, fmt.Errorf("encode snapshot data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	if snap.M != nil {
		b, err := json.Marshal(snap.M)
		if err != nil {
			return data, meta, fmt.Errorf("encode snapshot metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	return data, meta, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap       Snapshot
		data, meta sql.NullString
	)
	if err := row.Scan(&snap.ID, &snap.V, &snap.Type, &data, &meta); err != nil {
		return nil, err
	}
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &snap.Data); err != nil {
			return nil, fmt.Errorf("decode snapshot data: %w", err)
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &snap.M); err != nil {
			return nil, fmt.Errorf("decode snapshot metadata: %w", err)
		}
	}
	return &snap, nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, collection, id string, fields Fields) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, version, type, data, meta
		FROM snapshots
		WHERE collection = ? AND doc_id = ?
	`, collection, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Snapshot{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.Data = fields.Apply(snap.Data)
	return snap, nil
}

func (s *SQLiteStore) GetSnapshotBulk(ctx context.Context, collection string, ids []string, fields Fields) (map[string]*Snapshot, error) {
	return GetSnapshotBulk(ctx, s, collection, ids, fields)
}

func (s *SQLiteStore) GetOps(ctx context.Context, collection, id string, from, to int) ([]*Op, error) {
	if from < 0 {
		return nil, fmt.Errorf("invalid version %d", from)
	}
	query := `
		SELECT payload FROM ops
		WHERE collection = ? AND doc_id = ? AND version >= ?
		ORDER BY version ASC
	`
	args := []any{collection, id, from}
	if to != Unbounded {
		query = `
		SELECT payload FROM ops
		WHERE collection = ? AND doc_id = ? AND version >= ? AND version < ?
		ORDER BY version ASC
	`
		args = append(args, to)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	ops := make([]*Op, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		var op Op
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, fmt.Errorf("decode op: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return ops, nil
}

func (s *SQLiteStore) GetOpsBulk(ctx context.Context, collection string, from, to map[string]int) (map[string][]*Op, error) {
	return GetOpsBulk(ctx, s, collection, from, to)
}

// GetCommittedOpVersion uses the (src, seq) index instead of scanning the log.
func (s *SQLiteStore) GetCommittedOpVersion(ctx context.Context, collection, id string, snapshot *Snapshot, op *Op) (int, bool, error) {
	if !op.HasSrc() {
		return 0, false, nil
	}
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM ops
		WHERE collection = ? AND doc_id = ? AND src = ? AND seq = ? AND version < ?
		ORDER BY version DESC
		LIMIT 1
	`, collection, id, op.Src, op.Seq, snapshot.V).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find committed op: %w", err)
	}
	return version, true, nil
}

// Query loads the collection's live snapshots and evaluates q in process.
func (s *SQLiteStore) Query(ctx context.Context, collection string, q Query, fields Fields) ([]*Snapshot, any, error) {
	snaps, err := s.liveSnapshots(ctx, collection)
	if err != nil {
		return nil, nil, err
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

func (s *SQLiteStore) liveSnapshots(ctx context.Context, collection string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, version, type, data, meta
		FROM snapshots
		WHERE collection = ? AND type != ''
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

func (s *SQLiteStore) QueryPoll(ctx context.Context, collection string, q Query) ([]string, any, error) {
	return QueryPoll(ctx, s, collection, q)
}

func (s *SQLiteStore) QueryPollDoc(ctx context.Context, collection, id string, q Query) (bool, error) {
	if err := q.Validate(); err != nil {
		return false, err
	}
	snap, err := s.GetSnapshot(ctx, collection, id, nil)
	if err != nil {
		return false, err
	}
	return snap.Exists() && Match(snap.Data, q.Filter), nil
}

func (s *SQLiteStore) CanPollDoc(_ string, q Query) bool { return !q.ordered() }

func (s *SQLiteStore) SkipPoll(_, _ string, op *Op, q Query) bool { return SkipPollFields(op, q) }
