// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the record table within an existing transaction
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS fieldsync`,

		// Current state of every record, tombstones included (tenant-scoped)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS fieldsync.records (
			tenant_id         TEXT        NOT NULL,
			collection        TEXT        NOT NULL,
			id                TEXT        NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			deleted           BOOLEAN     NOT NULL DEFAULT FALSE,
			payload           JSONB       NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (tenant_id, collection, id)
		)`,

		// Delta reads: WHERE tenant_id = ? AND collection = ? AND updated_at >= ? ORDER BY updated_at, id
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS records_delta_idx
			ON fieldsync.records (tenant_id, collection, updated_at, id)`,
	}

	for i, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i+1, err)
		}
	}
	return nil
}
