// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxAttempts is the push attempt ceiling after which a queue entry is dropped
const MaxAttempts = 5

// QueueEntry is one pending local mutation
type QueueEntry struct {
	ID         string
	Collection string
	Action     Action
	RecordID   string
	Payload    Record // full record snapshot at enqueue time
	CreatedAt  time.Time
	Attempts   int
	LastError  string
}

// Queue is the durable FIFO of mutations not yet confirmed by the remote store
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func newQueue(db *sql.DB, now func() time.Time) *Queue {
	return &Queue{db: db, now: now}
}

const queueColumns = `id, collection, action, record_id, payload, created_at, attempts, last_error`

// Enqueue appends a mutation and returns the new entry id
func (q *Queue) Enqueue(ctx context.Context, collection string, action Action, payload Record) (string, error) {
	return q.enqueueTx(ctx, q.db, collection, action, payload)
}

func (q *Queue) enqueueTx(ctx context.Context, tx dbtx, collection string, action Action, payload Record) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue payload: %w", err)
	}
	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_queue (id, collection, action, record_id, payload, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, id, collection, string(action), payload.ID, string(data), FormatTime(q.now()))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s %s/%s: %w", action, collection, payload.ID, err)
	}
	return id, nil
}

// PeekOldest returns the oldest entry without removing it
func (q *Queue) PeekOldest(ctx context.Context) (QueueEntry, bool, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM _sync_queue ORDER BY created_at, seq LIMIT 1`)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, false, nil
	}
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("failed to read oldest queue entry: %w", err)
	}
	return e, true, nil
}

// All returns every entry ordered by created_at ascending
func (q *Queue) All(ctx context.Context) ([]QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM _sync_queue ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return out, nil
}

// Remove deletes an entry; removing an unknown id is not an error
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.removeTx(ctx, q.db, id)
}

func (q *Queue) removeTx(ctx context.Context, tx dbtx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue entry %s: %w", id, err)
	}
	return nil
}

// UpdateAttempt records a failed push attempt
func (q *Queue) UpdateAttempt(ctx context.Context, id string, attempts int, lastErr string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE _sync_queue SET attempts = ?, last_error = ? WHERE id = ?`,
		attempts, nullString(lastErr), id)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// Count returns the number of pending entries
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// hasPendingTx reports whether a record still has queued mutations,
// optionally restricted to the given actions
func (q *Queue) hasPendingTx(ctx context.Context, tx dbtx, collection, recordID string, actions ...Action) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM _sync_queue WHERE collection = ? AND record_id = ?`
	args := []any{collection, recordID}
	if len(actions) > 0 {
		marks := make([]string, len(actions))
		for i, a := range actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		query += ` AND action IN (` + strings.Join(marks, ",") + `)`
	}
	query += `)`

	var exists bool
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check pending changes for %s/%s: %w", collection, recordID, err)
	}
	return exists, nil
}

func (q *Queue) clearTx(ctx context.Context, tx dbtx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_queue`); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

func scanQueueEntry(sc rowScanner) (QueueEntry, error) {
	var (
		e         QueueEntry
		action    string
		payload   string
		createdAt string
		lastErr   sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.Collection, &action, &e.RecordID, &payload, &createdAt, &e.Attempts, &lastErr); err != nil {
		return QueueEntry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return QueueEntry{}, fmt.Errorf("failed to decode payload of %s: %w", e.ID, err)
	}
	t, err := ParseTime(createdAt)
	if err != nil {
		return QueueEntry{}, err
	}
	e.Action = Action(action)
	e.CreatedAt = t
	e.LastError = lastErr.String
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
