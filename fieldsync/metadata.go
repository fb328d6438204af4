// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CollectionMeta is the pull bookkeeping of one collection
type CollectionMeta struct {
	Collection      string
	LastSyncAt      time.Time // watermark for the next pull
	LastSyncSuccess bool
	LastError       string
}

// MetadataStore keeps one _sync_metadata row per collection. Rows are
// created lazily on the first pull and never deleted during normal operation.
type MetadataStore struct {
	db *sql.DB
}

func newMetadataStore(db *sql.DB) *MetadataStore {
	return &MetadataStore{db: db}
}

// Get returns the metadata of collection; ok is false before its first pull
func (m *MetadataStore) Get(ctx context.Context, collection string) (meta CollectionMeta, ok bool, err error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT collection, last_sync_at, last_sync_success, last_error
		FROM _sync_metadata WHERE collection = ?`, collection)
	meta, err = scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionMeta{}, false, nil
	}
	if err != nil {
		return CollectionMeta{}, false, fmt.Errorf("failed to read sync metadata for %s: %w", collection, err)
	}
	return meta, true, nil
}

// Watermark returns the pull watermark of collection, the epoch if never pulled
func (m *MetadataStore) Watermark(ctx context.Context, collection string) (time.Time, error) {
	meta, ok, err := m.Get(ctx, collection)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return epoch, nil
	}
	return meta.LastSyncAt, nil
}

// All returns every metadata row ordered by collection
func (m *MetadataStore) All(ctx context.Context) ([]CollectionMeta, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT collection, last_sync_at, last_sync_success, last_error
		FROM _sync_metadata ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync metadata: %w", err)
	}
	defer rows.Close()

	var out []CollectionMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync metadata: %w", err)
		}
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync metadata: %w", err)
	}
	return out, nil
}

// markSuccessTx records a successful pull. The watermark never moves
// backwards: the stored value wins when it is later than watermark.
func (m *MetadataStore) markSuccessTx(ctx context.Context, tx dbtx, collection string, watermark time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_metadata (collection, last_sync_at, last_sync_success, last_error)
		VALUES (?, ?, 1, NULL)
		ON CONFLICT(collection) DO UPDATE SET
			last_sync_at = CASE
				WHEN excluded.last_sync_at > _sync_metadata.last_sync_at THEN excluded.last_sync_at
				ELSE _sync_metadata.last_sync_at
			END,
			last_sync_success = 1,
			last_error = NULL
	`, collection, FormatTime(watermark))
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", collection, err)
	}
	return nil
}

// MarkFailure records a failed pull and leaves the watermark untouched
func (m *MetadataStore) MarkFailure(ctx context.Context, collection string, cause string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO _sync_metadata (collection, last_sync_at, last_sync_success, last_error)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(collection) DO UPDATE SET
			last_sync_success = 0,
			last_error = excluded.last_error
	`, collection, FormatTime(epoch), nullString(cause))
	if err != nil {
		return fmt.Errorf("failed to record pull failure for %s: %w", collection, err)
	}
	return nil
}

func (m *MetadataStore) clearTx(ctx context.Context, tx dbtx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_metadata`); err != nil {
		return fmt.Errorf("failed to clear sync metadata: %w", err)
	}
	return nil
}

func scanMeta(sc rowScanner) (CollectionMeta, error) {
	var (
		meta    CollectionMeta
		at      string
		success int
		lastErr sql.NullString
	)
	if err := sc.Scan(&meta.Collection, &at, &success, &lastErr); err != nil {
		return CollectionMeta{}, err
	}
	t, err := ParseTime(at)
	if err != nil {
		return CollectionMeta{}, err
	}
	meta.LastSyncAt = t
	meta.LastSyncSuccess = success == 1
	meta.LastError = lastErr.String
	return meta, nil
}
