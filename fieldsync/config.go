// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"log/slog"
	"time"
)

// ConflictPolicy decides how a pulled record treats an unsynced local copy
type ConflictPolicy int

const (
	// ConflictRemoteWins overwrites the local copy unconditionally. A local
	// change that loses here is still queued and gets re-applied remotely by
	// the next push.
	ConflictRemoteWins ConflictPolicy = iota

	// ConflictLastWriterWins keeps an unsynced local copy whose updated_at is
	// newer than the pulled record.
	ConflictLastWriterWins
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictRemoteWins:
		return "remote-wins"
	case ConflictLastWriterWins:
		return "last-writer-wins"
	default:
		return "unknown"
	}
}

// Config holds configuration for the sync engine
type Config struct {
	Collections      []string      // Collections registered at Initialize (more are added on first write)
	RequestTimeout   time.Duration // Per remote call; a timeout counts as an ordinary failure
	AutoSyncInterval time.Duration // Default timer interval for StartAutoSync
	WriteSyncDelay   time.Duration // Debounce before a write-triggered sync; <= 0 disables it
	ConflictPolicy   ConflictPolicy

	// OnPermanentFailure is called after a queue entry was dropped for good
	OnPermanentFailure func(FailedMutation)

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultConfig returns a configuration registering the given collections
func DefaultConfig(collections ...string) *Config {
	return &Config{
		Collections:      collections,
		RequestTimeout:   30 * time.Second,
		AutoSyncInterval: 30 * time.Second,
		WriteSyncDelay:   2 * time.Second,
		ConflictPolicy:   ConflictRemoteWins,
	}
}
