// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateCollection checks that name can be used as a collection (and table) name
func ValidateCollection(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	if strings.HasPrefix(name, "sqlite_") {
		return fmt.Errorf("%w: %q uses a reserved prefix", ErrInvalidCollection, name)
	}
	return nil
}

// Store is the device-local record cache: one SQLite table per collection,
// keyed by record id, with an updated_at index and a synced flag.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu    sync.RWMutex
	known map[string]bool
}

func newStore(db *sql.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now, known: make(map[string]bool)}
}

// loadRegistry reads the durable collection registry into memory
func (s *Store) loadRegistry(ctx context.Context) error {
	names, err := s.Collections(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.known[n] = true
	}
	return nil
}

func (s *Store) isKnown(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known[name]
}

// Register creates the table for a collection if it does not exist yet
func (s *Store) Register(ctx context.Context, name string) error {
	if err := ValidateCollection(name); err != nil {
		return err
	}
	if s.isKnown(name) {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id          TEXT PRIMARY KEY,
			updated_at  TEXT NOT NULL,
			synced      INTEGER NOT NULL DEFAULT 0 CHECK (synced IN (0,1)),
			payload     TEXT NOT NULL
		)`, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_updated_at" ON "%s" (updated_at)`, name, name),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO _sync_collections (name, created_at) VALUES (?, ?)`,
		name, FormatTime(s.now())); err != nil {
		return fmt.Errorf("failed to register collection %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit collection %s: %w", name, err)
	}

	s.mu.Lock()
	s.known[name] = true
	s.mu.Unlock()
	return nil
}

// Collections lists registered collections by name
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM _sync_collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return names, nil
}

// Put writes rec into collection and returns once the write is committed
func (s *Store) Put(ctx context.Context, collection string, rec Record) error {
	if err := s.Register(ctx, collection); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.putTx(ctx, tx, collection, rec)
	})
}

// Get returns the record with the given id; ok is false when absent
func (s *Store) Get(ctx context.Context, collection, id string) (rec Record, ok bool, err error) {
	if err := ValidateCollection(collection); err != nil {
		return Record{}, false, err
	}
	if !s.isKnown(collection) {
		return Record{}, false, nil
	}
	return s.getTx(ctx, s.db, collection, id)
}

// GetAll returns every record of collection ordered by updated_at
func (s *Store) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if !s.isKnown(collection) {
		return []Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, updated_at, synced, payload FROM "%s" ORDER BY updated_at, id`, collection))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", collection, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", collection, err)
	}
	return out, nil
}

// Delete removes a record; deleting an absent record is not an error
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ValidateCollection(collection); err != nil {
		return err
	}
	if !s.isKnown(collection) {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.deleteTx(ctx, tx, collection, id)
		return err
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) putTx(ctx context.Context, q dbtx, collection string, rec Record) error {
	payload, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	synced := 0
	if rec.Synced {
		synced = 1
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (id, updated_at, synced, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			synced     = excluded.synced,
			payload    = excluded.payload`, collection),
		rec.ID, FormatTime(rec.UpdatedAt), synced, payload)
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, rec.ID, err)
	}
	return nil
}

func (s *Store) getTx(ctx context.Context, q dbtx, collection, id string) (Record, bool, error) {
	row := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, updated_at, synced, payload FROM "%s" WHERE id = ?`, collection), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	return rec, true, nil
}

func (s *Store) deleteTx(ctx context.Context, q dbtx, collection, id string) (bool, error) {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, collection), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// markSyncedTx flags the local row as matching the remote, but only while it
// still carries the version that was pushed
func (s *Store) markSyncedTx(ctx context.Context, q dbtx, collection, id string, updatedAt time.Time) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(
		`UPDATE "%s" SET synced = 1 WHERE id = ? AND updated_at = ?`, collection),
		id, FormatTime(updatedAt))
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s synced: %w", collection, id, err)
	}
	return nil
}

func (s *Store) clearTx(ctx context.Context, q dbtx) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.known))
	for n := range s.known {
		names = append(names, n)
	}
	s.mu.RUnlock()

	for _, n := range names {
		if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, n)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", n, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var (
		rec       Record
		updatedAt string
		synced    int
		payload   string
	)
	if err := sc.Scan(&rec.ID, &updatedAt, &synced, &payload); err != nil {
		return Record{}, err
	}
	t, err := ParseTime(updatedAt)
	if err != nil {
		return Record{}, err
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = t
	rec.Synced = synced == 1
	rec.Fields = fields
	return rec, nil
}
