// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// FailedMutation is a queue entry that was dropped after MaxAttempts failed
// pushes. It stays visible until acknowledged so the divergence between the
// local copy and the remote store can be reconciled by hand.
type FailedMutation struct {
	QueueEntry
	FailedAt time.Time
}

// deadLetter moves an exhausted entry from the queue to _sync_failures
func (q *Queue) deadLetter(ctx context.Context, e QueueEntry) (FailedMutation, error) {
	fm := FailedMutation{QueueEntry: e, FailedAt: q.now()}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fm, fmt.Errorf("failed to marshal failed payload: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fm, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO _sync_failures
			(id, collection, action, record_id, payload, created_at, attempts, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Collection, string(e.Action), e.RecordID, string(payload),
		FormatTime(e.CreatedAt), e.Attempts, nullString(e.LastError), FormatTime(fm.FailedAt)); err != nil {
		return fm, fmt.Errorf("failed to record failed mutation %s: %w", e.ID, err)
	}
	if err := q.removeTx(ctx, tx, e.ID); err != nil {
		return fm, err
	}
	if err := tx.Commit(); err != nil {
		return fm, fmt.Errorf("failed to commit failed mutation %s: %w", e.ID, err)
	}
	return fm, nil
}

// Failures lists dropped mutations, oldest first
func (q *Queue) Failures(ctx context.Context) ([]FailedMutation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+queueColumns+`, failed_at FROM _sync_failures ORDER BY failed_at, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed mutations: %w", err)
	}
	defer rows.Close()

	var out []FailedMutation
	for rows.Next() {
		var (
			fm        FailedMutation
			action    string
			payload   string
			createdAt string
			failedAt  string
			lastErr   sql.NullString
		)
		if err := rows.Scan(&fm.ID, &fm.Collection, &action, &fm.RecordID, &payload,
			&createdAt, &fm.Attempts, &lastErr, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed mutation: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &fm.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode failed payload %s: %w", fm.ID, err)
		}
		if fm.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		if fm.FailedAt, err = ParseTime(failedAt); err != nil {
			return nil, err
		}
		fm.Action = Action(action)
		fm.LastError = lastErr.String
		out = append(out, fm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed mutations: %w", err)
	}
	return out, nil
}

// FailureCount returns the number of unacknowledged failed mutations
func (q *Queue) FailureCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_failures`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed mutations: %w", err)
	}
	return n, nil
}

// Acknowledge forgets a failed mutation
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM _sync_failures WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed mutation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (q *Queue) clearFailuresTx(ctx context.Context, tx dbtx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_failures`); err != nil {
		return fmt.Errorf("failed to clear failed mutations: %w", err)
	}
	return nil
}
