// Package sqlite implements a resilient.Tier on a local SQLite file using the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alem-hub/roadmap-tracker/internal/infrastructure/persistence/resilient"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    size INTEGER NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

// Tier stores records in one SQLite table. A positive maxBytes caps the sum
// of stored record sizes; writes past it fail with resilient.ErrCapacity.
type Tier struct {
	db       *sql.DB
	maxBytes int64
}

// Open opens (creating if needed) the database at path.
func Open(path string, maxBytes int64) (*Tier, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Tier{db: db, maxBytes: maxBytes}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (t *Tier) Name() string { return "sqlite" }

// DB returns the underlying *sql.DB for raw queries.
func (t *Tier) DB() *sql.DB { return t.db }

// Close closes the database.
func (t *Tier) Close() error { return t.db.Close() }

// Ping checks the database handle.
func (t *Tier) Ping(ctx context.Context) error { return t.db.PingContext(ctx) }

func (t *Tier) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilient.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return value, nil
}

func (t *Tier) Set(ctx context.Context, key string, value []byte) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if t.maxBytes > 0 {
		var others int64
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM records WHERE key != ?`, key).Scan(&others)
		if err != nil {
			return classify(err)
		}
		if others+int64(len(value)) > t.maxBytes {
			return fmt.Errorf("%w: %d of %d bytes used", resilient.ErrCapacity, others, t.maxBytes)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (key, value, size, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at
	`, key, value, len(value))
	if err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (t *Tier) Delete(ctx context.Context, key string) error {
	_, err := t.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	return classify(err)
}

// UsedBytes returns the sum of stored record sizes.
func (t *Tier) UsedBytes(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM records`).Scan(&n)
	return n, err
}

// classify maps SQLITE_FULL to resilient.ErrCapacity.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %v", resilient.ErrCapacity, err)
	}
	return err
}
