// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncserver is the central multi-tenant record store that field
// devices synchronize with: a PostgreSQL-backed RecordStore, REST handlers
// and JWT authentication.
package syncserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName         string        // Application name for logs and /health (see HTTPHandlers.WithConfig)
	Collections     []string      // Collections accepted for sync (required)
	MaxPayloadBytes int           // Maximum request body size in bytes, enforced by HTTPHandlers.WithConfig
	MaxTxRetries    int           // Attempts for serialization/deadlock failures
	RetryBackoff    time.Duration // Linear backoff step between attempts
}

// DefaultServiceConfig returns a config accepting the given collections
func DefaultServiceConfig(collections ...string) *ServiceConfig {
	return &ServiceConfig{
		AppName:         "go-fieldsync-server",
		Collections:     collections,
		MaxPayloadBytes: 1 << 20,
		MaxTxRetries:    5,
		RetryBackoff:    20 * time.Millisecond,
	}
}

// Service is the PostgreSQL RecordStore. Every statement is scoped by tenant.
type Service struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	config      *ServiceConfig
	collections map[string]bool

	mu     sync.RWMutex
	closed bool
}

var _ RecordStore = (*Service)(nil)

// NewService creates the service from an existing pool and makes sure the
// record table exists
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := *config
	if cfg.MaxTxRetries <= 0 {
		cfg.MaxTxRetries = 1
	}

	s := &Service{
		pool:        pool,
		logger:      logger,
		config:      &cfg,
		collections: normalizeCollections(cfg.Collections),
	}

	ctx := context.Background()
	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}
	logger.Info("Sync service ready", "app", cfg.AppName, "collections", len(s.collections))
	return s, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

func (s *Service) checkCollection(collection string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if !s.IsCollectionRegistered(collection) {
		return ErrUnknownCollection
	}
	return nil
}

// IsCollectionRegistered checks whether a collection is accepted for sync
func (s *Service) IsCollectionRegistered(collection string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[collection]
}

// Collections lists the accepted collections in name order
func (s *Service) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.collections)
}

// Ping checks database connectivity
func (s *Service) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Insert upserts a record; an existing newer row wins and is returned
func (s *Service) Insert(ctx context.Context, tenantID, collection string, rec StoredRecord) (StoredRecord, error) {
	if err := s.checkCollection(collection); err != nil {
		return StoredRecord{}, err
	}
	if err := rec.validate(); err != nil {
		return StoredRecord{}, err
	}

	var out StoredRecord
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO fieldsync.records (tenant_id, collection, id, updated_at, deleted, payload)
			VALUES ($1, $2, $3, $4, FALSE, $5::jsonb)
			ON CONFLICT (tenant_id, collection, id) DO UPDATE
			SET updated_at = EXCLUDED.updated_at,
			    deleted = FALSE,
			    payload = EXCLUDED.payload
			WHERE fieldsync.records.updated_at <= EXCLUDED.updated_at`,
			tenantID, collection, rec.ID, rec.UpdatedAt.UTC(), string(payloadOrEmpty(rec.Payload)))
		if err != nil {
			return fmt.Errorf("failed to upsert record: %w", err)
		}
		cur, found, err := selectOne(ctx, tx, tenantID, collection, rec.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("record %s vanished after upsert", rec.ID)
		}
		out = cur
		return nil
	})
	if err != nil {
		return StoredRecord{}, err
	}
	return out, nil
}

// Update overwrites an existing record unless the stored copy is newer.
// It returns ErrNotFound when the tenant has no such record.
func (s *Service) Update(ctx context.Context, tenantID, collection, id string, rec StoredRecord) (StoredRecord, error) {
	if err := s.checkCollection(collection); err != nil {
		return StoredRecord{}, err
	}
	rec.ID = id
	if err := rec.validate(); err != nil {
		return StoredRecord{}, err
	}

	var out StoredRecord
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE fieldsync.records
			SET updated_at = $4, deleted = FALSE, payload = $5::jsonb
			WHERE tenant_id = $1 AND collection = $2 AND id = $3 AND updated_at <= $4`,
			tenantID, collection, id, rec.UpdatedAt.UTC(), string(payloadOrEmpty(rec.Payload)))
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		cur, found, err := selectOne(ctx, tx, tenantID, collection, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		out = cur
		return nil
	})
	if err != nil {
		return StoredRecord{}, err
	}
	return out, nil
}

// Delete turns the record into a tombstone stamped with the server clock.
// Deleting an absent or already deleted record is a no-op.
func (s *Service) Delete(ctx context.Context, tenantID, collection, id string) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE fieldsync.records
			SET deleted = TRUE,
			    payload = '{}'::jsonb,
			    updated_at = GREATEST(updated_at, clock_timestamp())
			WHERE tenant_id = $1 AND collection = $2 AND id = $3 AND NOT deleted`,
			tenantID, collection, id)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	})
}

// SelectSince returns records with updated_at >= since, oldest first
func (s *Service) SelectSince(ctx context.Context, tenantID, collection string, since time.Time) ([]StoredRecord, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, updated_at, deleted, payload
		FROM fieldsync.records
		WHERE tenant_id = $1 AND collection = $2 AND updated_at >= $3
		ORDER BY updated_at, id`,
		tenantID, collection, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	out := []StoredRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}

func selectOne(ctx context.Context, tx pgx.Tx, tenantID, collection, id string) (StoredRecord, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, updated_at, deleted, payload
		FROM fieldsync.records
		WHERE tenant_id = $1 AND collection = $2 AND id = $3`,
		tenantID, collection, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredRecord{}, false, nil
	}
	if err != nil {
		return StoredRecord{}, false, err
	}
	return rec, true, nil
}

func scanRecord(row pgx.Row) (StoredRecord, error) {
	var (
		rec     StoredRecord
		payload []byte
	)
	if err := row.Scan(&rec.ID, &rec.UpdatedAt, &rec.Deleted, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredRecord{}, err
		}
		return StoredRecord{}, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.Payload = payload
	return rec, nil
}

func payloadOrEmpty(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
