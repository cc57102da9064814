package vrt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	scope      TEXT    NOT NULL,
	sequence   INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	snapshot   BLOB    NOT NULL,
	PRIMARY KEY (scope, sequence)
);`

// SQLiteStore persists checkpoints in a node-local SQLite file so a wisp
// can resume across restarts.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("vrt: open checkpoint store: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vrt: init checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (scope, sequence, created_at, snapshot) VALUES (?, ?, ?, ?)`,
		cp.Scope, cp.Sequence, cp.CreatedAt.UnixMilli(), cp.Snapshot,
	)
	if err != nil {
		return fmt.Errorf("vrt: save checkpoint scope=%s seq=%d: %w", cp.Scope, cp.Sequence, err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, scope string) (Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, created_at, snapshot FROM checkpoints WHERE scope = ? ORDER BY sequence DESC LIMIT 1`,
		scope,
	)
	var (
		seq       int64
		createdMS int64
		snapshot  []byte
	)
	if err := row.Scan(&seq, &createdMS, &snapshot); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("vrt: load checkpoint scope=%s: %w", scope, err)
	}
	return Checkpoint{
		Scope:     scope,
		Sequence:  seq,
		CreatedAt: time.UnixMilli(createdMS),
		Snapshot:  snapshot,
	}, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
