// Package sqlitestore is a snapshotstore.Store backed by
// modernc.org/sqlite, the pure-Go driver the teacher's pkg/pdo package
// already registers under the "sqlite" database/sql driver name.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/wudi/sandboxvm/snapshotstore"
	"github.com/wudi/sandboxvm/vmerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (unixepoch())
)`

// Store is a sqlite-backed snapshotstore.Store.
type Store struct {
	db *sql.DB
}

var _ snapshotstore.Store = (*Store)(nil)

// Open opens (creating if absent) a sqlite database at path and ensures
// the snapshots table exists. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "opening sqlite store: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, vmerr.Newf(vmerr.SnapshotError, "pinging sqlite store: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, vmerr.Newf(vmerr.SnapshotError, "creating snapshots table: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (name, data) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, created_at = unixepoch()`,
		name, data)
	if err != nil {
		return vmerr.Newf(vmerr.SnapshotError, "storing snapshot %q: %v", name, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE name = ?`, name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, snapshotstore.ErrNotFound
	}
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "loading snapshot %q: %v", name, err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE name = ?`, name); err != nil {
		return vmerr.Newf(vmerr.SnapshotError, "deleting snapshot %q: %v", name, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM snapshots ORDER BY created_at`)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "listing snapshots: %v", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "scanning snapshot name: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot names: %w", err)
	}
	return names, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
