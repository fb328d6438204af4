// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"time"
)

// pullAll fetches remote changes for every known collection. A failing
// collection keeps its watermark and does not stop the others.
func (e *Engine) pullAll(ctx context.Context) (pulled int, errs []string) {
	start := e.stageStart()

	collections, err := e.store.Collections(ctx)
	if err != nil {
		e.logger.Error("Failed to list collections", "error", err)
		return 0, []string{fmt.Sprintf("pull: %v", err)}
	}

	for _, coll := range collections {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Sprintf("pull interrupted: %v", ctx.Err()))
			break
		}

		collStart := e.stageStart()
		n, err := e.pullCollection(ctx, coll)
		e.observeStage(ctx, MetricsOpPull, MetricsStageCollection, coll, collStart, n, 0, err != nil)
		if err != nil {
			e.logger.Warn("Pull failed", "collection", coll, "transient", IsTransient(err), "error", err)
			if merr := e.meta.MarkFailure(ctx, coll, err.Error()); merr != nil {
				e.logger.Error("Failed to record pull failure", "collection", coll, "error", merr)
			}
			errs = append(errs, fmt.Sprintf("pull %s: %v", coll, err))
			continue
		}
		pulled += n
	}

	e.observeStage(ctx, MetricsOpPull, MetricsStageTotal, "", start, pulled, 0, len(errs) > 0)
	return pulled, errs
}

// pullCollection fetches records changed since the watermark and applies
// them, together with the watermark advance, in one transaction
func (e *Engine) pullCollection(ctx context.Context, collection string) (int, error) {
	watermark, err := e.meta.Watermark(ctx, collection)
	if err != nil {
		return 0, err
	}

	// Network call outside of any SQLite transaction
	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	records, err := e.remote.SelectSince(callCtx, collection, watermark)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("failed to fetch changes: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	high := watermark
	for _, rec := range records {
		if rec.ID == "" {
			return 0, fmt.Errorf("%w: remote record without id", ErrInvalidRecord)
		}
		if rec.UpdatedAt.After(high) {
			high = rec.UpdatedAt
		}

		changed, err := e.applyPulledTx(ctx, tx, collection, rec)
		if err != nil {
			return 0, err
		}
		if changed {
			applied++
		}
	}

	if err := e.meta.markSuccessTx(ctx, tx, collection, high); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit pulled changes: %w", err)
	}

	if applied > 0 {
		e.logger.Debug("Pulled changes", "collection", collection, "fetched", len(records), "applied", applied)
	}
	return applied, nil
}

// applyPulledTx merges one remote record into the local store and reports
// whether the local state changed
func (e *Engine) applyPulledTx(ctx context.Context, tx dbtx, collection string, rec Record) (bool, error) {
	// A record deleted locally stays deleted until its delete is pushed.
	pendingDelete, err := e.queue.hasPendingTx(ctx, tx, collection, rec.ID, ActionDelete)
	if err != nil {
		return false, err
	}
	if pendingDelete {
		e.logger.Debug("Skipping pulled record with pending local delete", "collection", collection, "id", rec.ID)
		return false, nil
	}

	if rec.Deleted {
		return e.store.deleteTx(ctx, tx, collection, rec.ID)
	}

	local, found, err := e.store.getTx(ctx, tx, collection, rec.ID)
	if err != nil {
		return false, err
	}
	if found {
		if local.Synced && sameContent(local, rec) {
			return false, nil
		}
		if e.keepLocal(local, rec) {
			e.logger.Debug("Keeping newer local copy",
				"collection", collection, "id", rec.ID,
				"local_updated_at", local.UpdatedAt, "remote_updated_at", rec.UpdatedAt)
			return false, nil
		}
	}

	rec.Synced = true
	if err := e.store.putTx(ctx, tx, collection, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) keepLocal(local, remote Record) bool {
	if e.config.ConflictPolicy != ConflictLastWriterWins || local.Synced {
		return false
	}
	return local.UpdatedAt.After(remote.UpdatedAt)
}

// Watermark returns the current pull watermark of a collection
func (e *Engine) Watermark(ctx context.Context, collection string) (time.Time, error) {
	if !e.initialized.Load() {
		return time.Time{}, ErrNotInitialized
	}
	return e.meta.Watermark(ctx, collection)
}
