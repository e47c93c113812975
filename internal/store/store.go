// Package store provides the local SQLite database underpinning the sync
// core's durability guarantees.
//
// The database runs embedded with WAL mode so the daemon's drain loop and
// manual CLI invocations can read concurrently while one writer mutates the
// queue. All durable state lives here:
//
//   - pending_mutations: the FIFO outbox of unconfirmed writes
//   - failed_mutations:  the quarantine for retry-exhausted writes
//   - ledger_accounts:   per-subject point/debt balances
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection used by the queue and ledger stores.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema afterwards.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".pourlog/pourlog.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent readers during writes
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the pending_mutations, failed_mutations, and ledger_accounts
// tables along with the indexes the drain path needs. Idempotent - safe to
// call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Outbox of unconfirmed writes. seq preserves FIFO order across
	-- restarts; local_id is the stable idempotency key.
	CREATE TABLE IF NOT EXISTS pending_mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		local_id TEXT NOT NULL UNIQUE,
		grouping_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		item_ref TEXT NOT NULL,
		volume_ml REAL NOT NULL,
		abv REAL NOT NULL,
		consumed_grams INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_retry_at TEXT
	);

	-- Quarantine for mutations that exhausted their retry budget.
	CREATE TABLE IF NOT EXISTS failed_mutations (
		local_id TEXT PRIMARY KEY,
		grouping_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		item_ref TEXT NOT NULL,
		volume_ml REAL NOT NULL,
		abv REAL NOT NULL,
		consumed_grams INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		failed_at TEXT NOT NULL
	);

	-- Per-subject point/debt balances.
	CREATE TABLE IF NOT EXISTS ledger_accounts (
		subject_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0,
		debt_points INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_subject ON pending_mutations(subject_id);
	CREATE INDEX IF NOT EXISTS idx_pending_grouping ON pending_mutations(grouping_id);
	CREATE INDEX IF NOT EXISTS idx_failed_subject ON failed_mutations(subject_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
