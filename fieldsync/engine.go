// Package fieldsync provides an offline-first synchronization engine for
// field devices: records are written to a local SQLite store and queued,
// then reconciled with a remote multi-tenant store by a push phase followed
// by a pull phase.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the orchestrator state
type State int32

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// SyncResult is the aggregate outcome of one Sync call
type SyncResult struct {
	Success bool
	Errors  []string
	Skipped bool // another run was already in flight, nothing was done
	Pushed  int  // queue entries confirmed by the remote
	Pulled  int  // remote records applied locally
}

// SyncStatus is a snapshot for UI display
type SyncStatus struct {
	IsOnline        bool
	IsSyncing       bool
	UnsyncedCount   int
	FailedCount     int
	LastSyncTimes   map[string]time.Time
	LastSyncSuccess map[string]bool
}

// Engine owns the local store, the sync queue and the sync metadata, and
// runs push/pull cycles against a Remote. Create one per device database
// and share it; all mutations must go through SaveLocal.
type Engine struct {
	db      *sql.DB
	remote  Remote
	monitor *NetworkMonitor
	config  *Config
	logger  *slog.Logger
	now     func() time.Time

	store *Store
	queue *Queue
	meta  *MetadataStore

	initialized atomic.Bool
	state       atomic.Int32

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}
	debounce   *time.Timer
	closed     bool
}

// New creates an engine over an opened SQLite database (see OpenDB).
// A nil monitor means "always online"; a nil config means DefaultConfig().
func New(db *sql.DB, remote Remote, monitor *NetworkMonitor, config *Config) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.AutoSyncInterval <= 0 {
		cfg.AutoSyncInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = NewNetworkMonitor(true)
	}
	now := func() time.Time { return cfg.Now().UTC() }

	return &Engine{
		db:      db,
		remote:  remote,
		monitor: monitor,
		config:  &cfg,
		logger:  logger,
		now:     now,
		store:   newStore(db, now),
		queue:   newQueue(db, now),
		meta:    newMetadataStore(db),
	}, nil
}

// Initialize creates the engine tables and registers configured collections.
// It is safe to call more than once.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := initializeDatabase(ctx, e.db); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := e.store.loadRegistry(ctx); err != nil {
		return fmt.Errorf("failed to load collections: %w", err)
	}
	for _, c := range e.config.Collections {
		if err := e.store.Register(ctx, c); err != nil {
			return fmt.Errorf("failed to register collection %s: %w", c, err)
		}
	}
	e.initialized.Store(true)
	e.logger.Debug("Sync engine initialized", "collections", len(e.config.Collections))
	return nil
}

// State returns the current orchestrator state
func (e *Engine) State() State { return State(e.state.Load()) }

// SaveLocal applies a local mutation and queues it for push, atomically:
// either both the store write and the queue entry persist or neither does.
// Inserts without an id get a generated UUID; a zero UpdatedAt is set to now,
// or just after the existing local version when that is later.
// Deletes remove the local row right away and rely on the queue for the
// remote side.
func (e *Engine) SaveLocal(ctx context.Context, collection string, rec Record, action Action) (Record, error) {
	if !e.initialized.Load() {
		return Record{}, ErrNotInitialized
	}
	if !action.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if err := ValidateCollection(collection); err != nil {
		return Record{}, err
	}

	rec = rec.Clone()
	if rec.ID == "" {
		if action != ActionInsert {
			return Record{}, fmt.Errorf("%w: %s requires an id", ErrInvalidRecord, action)
		}
		rec.ID = uuid.New().String()
	}
	stamped := rec.UpdatedAt.IsZero()
	if stamped {
		rec.UpdatedAt = e.now()
	}
	// persisted timestamps carry microseconds; keep the returned copy identical
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Microsecond)
	rec.Synced = false
	rec.Deleted = false
	if err := rec.validate(); err != nil {
		return Record{}, err
	}

	if err := e.store.Register(ctx, collection); err != nil {
		return Record{}, err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if action == ActionDelete {
		if len(rec.Fields) == 0 {
			local, found, err := e.store.getTx(ctx, tx, collection, rec.ID)
			if err != nil {
				return Record{}, err
			}
			if found {
				rec.Fields = local.Fields
			}
		}
		if _, err := e.store.deleteTx(ctx, tx, collection, rec.ID); err != nil {
			return Record{}, err
		}
	} else {
		if stamped {
			local, found, err := e.store.getTx(ctx, tx, collection, rec.ID)
			if err != nil {
				return Record{}, err
			}
			// a stamped version always sorts after the one it replaces, even
			// when this device's clock lags the previous writer's
			if found && !rec.UpdatedAt.After(local.UpdatedAt) {
				rec.UpdatedAt = local.UpdatedAt.Add(time.Microsecond)
			}
		}
		if err := e.store.putTx(ctx, tx, collection, rec); err != nil {
			return Record{}, err
		}
	}

	entryID, err := e.queue.enqueueTx(ctx, tx, collection, action, rec)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit local change: %w", err)
	}

	e.logger.Debug("Saved local change",
		"collection", collection, "id", rec.ID, "action", action, "entry_id", entryID)
	e.scheduleWriteSync()
	return rec, nil
}

// GetLocal returns all local records of a collection
func (e *Engine) GetLocal(ctx context.Context, collection string) ([]Record, error) {
	if !e.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return e.store.GetAll(ctx, collection)
}

// GetLocalByID returns one local record; ok is false when absent
func (e *Engine) GetLocalByID(ctx context.Context, collection, id string) (Record, bool, error) {
	if !e.initialized.Load() {
		return Record{}, false, ErrNotInitialized
	}
	return e.store.Get(ctx, collection, id)
}

// Sync runs one push phase followed by one pull phase.
//
// Only one run may be in flight: a call made while another run is active
// returns immediately with Skipped set. Per-item and per-collection failures
// never abort the run; they are reported in SyncResult.Errors. The returned
// error is reserved for misuse (ErrNotInitialized).
func (e *Engine) Sync(ctx context.Context) (SyncResult, error) {
	if !e.initialized.Load() {
		return SyncResult{}, ErrNotInitialized
	}
	if !e.monitor.Online() {
		return SyncResult{Errors: []string{"offline"}}, nil
	}
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing)) {
		e.logger.Debug("Sync already in progress, skipping")
		return SyncResult{Skipped: true, Errors: []string{"sync already in progress"}}, nil
	}
	defer e.state.Store(int32(StateIdle))

	start := e.stageStart()

	pushed, pushErrs := e.pushAll(ctx)
	pulled, pullErrs := e.pullAll(ctx)

	result := SyncResult{
		Errors: make([]string, 0, len(pushErrs)+len(pullErrs)),
		Pushed: pushed,
		Pulled: pulled,
	}
	result.Errors = append(result.Errors, pushErrs...)
	result.Errors = append(result.Errors, pullErrs...)
	result.Success = len(result.Errors) == 0

	e.observeStage(ctx, MetricsOpSync, MetricsStageTotal, "", start, pushed+pulled, 0, !result.Success)
	if result.Success {
		e.logger.Debug("Sync completed", "pushed", pushed, "pulled", pulled)
	} else {
		e.logger.Warn("Sync completed with errors",
			"pushed", pushed, "pulled", pulled, "errors", len(result.Errors))
	}
	return result, nil
}

// Status returns the current sync status
func (e *Engine) Status(ctx context.Context) (SyncStatus, error) {
	if !e.initialized.Load() {
		return SyncStatus{}, ErrNotInitialized
	}
	unsynced, err := e.queue.Count(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	failed, err := e.queue.FailureCount(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	metas, err := e.meta.All(ctx)
	if err != nil {
		return SyncStatus{}, err
	}

	st := SyncStatus{
		IsOnline:        e.monitor.Online(),
		IsSyncing:       e.State() == StateSyncing,
		UnsyncedCount:   unsynced,
		FailedCount:     failed,
		LastSyncTimes:   make(map[string]time.Time, len(metas)),
		LastSyncSuccess: make(map[string]bool, len(metas)),
	}
	for _, m := range metas {
		st.LastSyncTimes[m.Collection] = m.LastSyncAt
		st.LastSyncSuccess[m.Collection] = m.LastSyncSuccess
	}
	return st, nil
}

// FailedMutations lists queue entries dropped after MaxAttempts
func (e *Engine) FailedMutations(ctx context.Context) ([]FailedMutation, error) {
	if !e.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return e.queue.Failures(ctx)
}

// AcknowledgeFailure removes a failed mutation once it has been dealt with
func (e *Engine) AcknowledgeFailure(ctx context.Context, id string) error {
	if !e.initialized.Load() {
		return ErrNotInitialized
	}
	return e.queue.Acknowledge(ctx, id)
}

// ClearAll wipes every local record, queue entry, failed mutation and
// watermark. Destructive; meant for tests and debugging.
func (e *Engine) ClearAll(ctx context.Context) error {
	if !e.initialized.Load() {
		return ErrNotInitialized
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := e.store.clearTx(ctx, tx); err != nil {
		return err
	}
	if err := e.queue.clearTx(ctx, tx); err != nil {
		return err
	}
	if err := e.queue.clearFailuresTx(ctx, tx); err != nil {
		return err
	}
	if err := e.meta.clearTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	e.logger.Warn("Cleared all local sync data")
	return nil
}

// Close stops automatic syncing. It does not close the database; the caller
// owns its lifecycle. An in-flight sync is allowed to finish.
func (e *Engine) Close() error {
	e.StopAutoSync()
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	e.closed = true
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	return nil
}
