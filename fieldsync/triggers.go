// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"time"
)

// StartAutoSync runs Sync every interval while online and on every
// offline to online transition. A non-positive interval uses
// Config.AutoSyncInterval. Calling it while already running is a no-op.
func (e *Engine) StartAutoSync(interval time.Duration) {
	if interval <= 0 {
		interval = e.config.AutoSyncInterval
	}

	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	if e.closed || e.autoCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	transitions, unsubscribe := e.monitor.Subscribe()
	e.autoCancel = cancel
	e.autoDone = done

	go func() {
		defer close(done)
		defer unsubscribe()
		e.autoSyncLoop(ctx, interval, transitions)
	}()
	e.logger.Info("Auto sync started", "interval", interval)
}

// StopAutoSync stops the timer and the connectivity watcher and waits for
// the loop to exit. A sync already running is allowed to complete.
func (e *Engine) StopAutoSync() {
	e.autoMu.Lock()
	cancel, done := e.autoCancel, e.autoDone
	e.autoCancel, e.autoDone = nil, nil
	e.autoMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("Auto sync stopped")
}

func (e *Engine) autoSyncLoop(ctx context.Context, interval time.Duration, transitions <-chan bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.monitor.Online() {
				e.triggerSync("timer")
			}
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if online {
				e.triggerSync("reconnect")
			}
		}
	}
}

// scheduleWriteSync arms (or re-arms) the debounce timer after a local
// write so that a burst of writes ends in a single sync pass
func (e *Engine) scheduleWriteSync() {
	delay := e.config.WriteSyncDelay
	if delay <= 0 || !e.monitor.Online() {
		return
	}

	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	if e.closed {
		return
	}
	if e.debounce == nil {
		e.debounce = time.AfterFunc(delay, func() { e.triggerSync("write") })
		return
	}
	e.debounce.Reset(delay)
}

// triggerSync runs a sync detached from whoever triggered it
func (e *Engine) triggerSync(reason string) {
	result, err := e.Sync(context.Background())
	if err != nil {
		e.logger.Error("Triggered sync failed", "trigger", reason, "error", err)
		return
	}
	if result.Skipped {
		return
	}
	e.logger.Debug("Triggered sync finished",
		"trigger", reason, "success", result.Success, "pushed", result.Pushed, "pulled", result.Pulled)
}
