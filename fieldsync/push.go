// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
)

// pushAll drains the queue oldest-first against the remote, one call at a
// time. It never fails as a whole: each entry either gets confirmed and
// removed, or gets its attempt recorded; exhausted entries are dead-lettered.
// The returned strings are per-entry diagnostics for SyncResult.Errors.
func (e *Engine) pushAll(ctx context.Context) (pushed int, errs []string) {
	start := e.stageStart()

	// Snapshot: entries queued while this run is pushing wait for the next run.
	entries, err := e.queue.All(ctx)
	if err != nil {
		e.logger.Error("Failed to read sync queue", "error", err)
		return 0, []string{fmt.Sprintf("push: %v", err)}
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			// Do not burn attempts on a cancelled context.
			errs = append(errs, fmt.Sprintf("push interrupted: %v", ctx.Err()))
			break
		}

		itemStart := e.stageStart()
		stored, err := e.pushEntry(ctx, entry)
		e.observeStage(ctx, MetricsOpPush, MetricsStageItem, entry.Collection, itemStart, 1, entry.Attempts+1, err != nil)

		if err == nil {
			if cerr := e.confirmPushed(ctx, entry, stored); cerr != nil {
				e.logger.Error("Failed to confirm pushed entry",
					"entry_id", entry.ID, "collection", entry.Collection, "id", entry.RecordID, "error", cerr)
				errs = append(errs, fmt.Sprintf("push %s %s/%s: %v", entry.Action, entry.Collection, entry.RecordID, cerr))
				continue
			}
			pushed++
			continue
		}

		if msg := e.recordPushFailure(ctx, entry, err); msg != "" {
			errs = append(errs, msg)
		}
	}

	e.observeStage(ctx, MetricsOpPush, MetricsStageTotal, "", start, pushed, 0, len(errs) > 0)
	return pushed, errs
}

// pushEntry dispatches one queue entry under its own request timeout. For
// inserts and updates it returns the record as the remote stored it.
func (e *Engine) pushEntry(ctx context.Context, entry QueueEntry) (*Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	switch entry.Action {
	case ActionInsert:
		stored, err := e.remote.Insert(callCtx, entry.Collection, entry.Payload)
		if err != nil {
			return nil, err
		}
		return &stored, nil
	case ActionUpdate:
		stored, err := e.remote.Update(callCtx, entry.Collection, entry.RecordID, entry.Payload)
		if err != nil {
			return nil, err
		}
		return &stored, nil
	case ActionDelete:
		return nil, e.remote.Delete(callCtx, entry.Collection, entry.RecordID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, entry.Action)
	}
}

// confirmPushed removes the entry and, unless newer changes to the same
// record are still queued, makes the local row match what the remote kept.
// A write the remote rejected as stale is replaced by the winning version.
func (e *Engine) confirmPushed(ctx context.Context, entry QueueEntry, stored *Record) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := e.queue.removeTx(ctx, tx, entry.ID); err != nil {
		return err
	}
	if entry.Action != ActionDelete {
		pending, err := e.queue.hasPendingTx(ctx, tx, entry.Collection, entry.RecordID)
		if err != nil {
			return err
		}
		if !pending {
			if err := e.reconcilePushedTx(ctx, tx, entry, stored); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit push confirmation: %w", err)
	}

	e.logger.Debug("Pushed change",
		"entry_id", entry.ID, "collection", entry.Collection, "id", entry.RecordID, "action", entry.Action)
	return nil
}

func (e *Engine) reconcilePushedTx(ctx context.Context, tx dbtx, entry QueueEntry, stored *Record) error {
	if stored == nil || stored.ID == "" || sameContent(*stored, entry.Payload) {
		return e.store.markSyncedTx(ctx, tx, entry.Collection, entry.RecordID, entry.Payload.UpdatedAt)
	}

	e.logger.Info("Remote kept a different version, replacing local copy",
		"collection", entry.Collection, "id", entry.RecordID,
		"pushed_updated_at", entry.Payload.UpdatedAt, "remote_updated_at", stored.UpdatedAt)
	if stored.Deleted {
		_, err := e.store.deleteTx(ctx, tx, entry.Collection, entry.RecordID)
		return err
	}
	winner := stored.Clone()
	winner.ID = entry.RecordID
	winner.Synced = true
	return e.store.putTx(ctx, tx, entry.Collection, winner)
}

// recordPushFailure bumps the attempt counter or, at MaxAttempts, drops the
// entry into the failed-mutation table and raises the permanent failure
func (e *Engine) recordPushFailure(ctx context.Context, entry QueueEntry, pushErr error) string {
	entry.Attempts++
	entry.LastError = pushErr.Error()

	if entry.Attempts < MaxAttempts {
		e.logger.Warn("Push failed, will retry",
			"entry_id", entry.ID, "collection", entry.Collection, "id", entry.RecordID,
			"action", entry.Action, "attempt", entry.Attempts, "transient", IsTransient(pushErr), "error", pushErr)
		if err := e.queue.UpdateAttempt(ctx, entry.ID, entry.Attempts, entry.LastError); err != nil {
			e.logger.Error("Failed to record push attempt", "entry_id", entry.ID, "error", err)
		}
		return fmt.Sprintf("push %s %s/%s failed (attempt %d/%d): %v",
			entry.Action, entry.Collection, entry.RecordID, entry.Attempts, MaxAttempts, pushErr)
	}

	fm, err := e.queue.deadLetter(ctx, entry)
	if err != nil {
		// The entry stays queued with its old counter and is retried next run.
		e.logger.Error("Failed to drop exhausted queue entry", "entry_id", entry.ID, "error", err)
		return fmt.Sprintf("push %s %s/%s: failed to drop exhausted entry: %v",
			entry.Action, entry.Collection, entry.RecordID, err)
	}

	e.logger.Error("Push failed permanently, change dropped from queue",
		"entry_id", entry.ID, "collection", entry.Collection, "id", entry.RecordID,
		"action", entry.Action, "attempts", entry.Attempts, "error", pushErr)
	if e.config.OnPermanentFailure != nil {
		e.config.OnPermanentFailure(fm)
	}
	return fmt.Sprintf("permanent failure: %s %s/%s dropped after %d attempts: %v",
		entry.Action, entry.Collection, entry.RecordID, entry.Attempts, pushErr)
}
