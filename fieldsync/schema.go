// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDB opens the device-local SQLite database used by the engine.
//
// The handle is limited to one connection: SQLite serializes writers anyway,
// and a single connection keeps ":memory:" databases coherent across calls.
// Everything executed inside a transaction must therefore go through that
// transaction, never through the *sql.DB.
func OpenDB(path string) (*sql.DB, error) {
	// Connection pragmas live in the DSN so every connection the driver
	// opens gets them, including reconnects.
	dsn := "file::memory:?_sync=FULL&_foreign_keys=on"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_sync=FULL&_foreign_keys=on", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	return db, nil
}

// initializeDatabase creates the engine-owned tables
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	tables := []string{
		// Pending mutations; seq breaks created_at ties in insertion order
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			collection  TEXT NOT NULL,
			action      TEXT NOT NULL CHECK (action IN ('insert','update','delete')),
			record_id   TEXT NOT NULL,
			payload     TEXT NOT NULL,           -- full record snapshot at enqueue time
			created_at  TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS _sync_queue_created_at ON _sync_queue (created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS _sync_queue_record ON _sync_queue (collection, record_id)`,

		// Per-collection pull watermark
		`CREATE TABLE IF NOT EXISTS _sync_metadata (
			collection         TEXT PRIMARY KEY,
			last_sync_at       TEXT NOT NULL,
			last_sync_success  INTEGER NOT NULL DEFAULT 0,
			last_error         TEXT
		)`,

		// Registry of known collections (one business table each)
		`CREATE TABLE IF NOT EXISTS _sync_collections (
			name        TEXT PRIMARY KEY,
			created_at  TEXT NOT NULL
		)`,

		// Mutations dropped after exhausting their push attempts
		`CREATE TABLE IF NOT EXISTS _sync_failures (
			id          TEXT PRIMARY KEY,
			collection  TEXT NOT NULL,
			action      TEXT NOT NULL,
			record_id   TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			attempts    INTEGER NOT NULL,
			last_error  TEXT,
			failed_at   TEXT NOT NULL
		)`,
	}
	for _, stmt := range tables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// dbtx is satisfied by both *sql.DB and *sql.Tx
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
