// Package sqlite persists the registry state to a single SQLite table of JSON
// buckets, reusing the in-memory store for transactions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"transitreg/internal/infra/persistence/memory"
	"transitreg/pkg/domain"

	"github.com/avast/retry-go/v4"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "transitreg.db"

// Store persists the in-memory state to SQLite as JSON blobs. The full state
// is written inside every successful commit, before it becomes visible.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(ctx context.Context, path string, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between commits.
	db.SetMaxOpenConns(1)
	if err := retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	snapshot, err := load(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(append(opts, memory.WithPersister(writer{db: db}))...)
	if err := mem.ImportState(snapshot); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: mem, db: db, path: path}, nil
}

func load(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snapshot memory.Snapshot
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan: %w", err)
		}
		if err := snapshot.UnmarshalBucket(bucket, payload); err != nil {
			return memory.Snapshot{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

// writer upserts every bucket of a committed snapshot in one SQL transaction.
type writer struct {
	db *sql.DB
}

func (w writer) Persist(ctx context.Context, snapshot memory.Snapshot) (retErr error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.Buckets {
		data, err := snapshot.MarshalBucket(bucket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
