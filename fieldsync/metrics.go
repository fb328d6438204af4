// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"time"
)

const (
	MetricsOpSync = "sync"
	MetricsOpPush = "push"
	MetricsOpPull = "pull"

	MetricsStageTotal      = "total"
	MetricsStageItem       = "item"       // one queue entry pushed
	MetricsStageCollection = "collection" // one collection pulled
)

type StageTiming struct {
	Operation  string
	Stage      string
	Collection string
	Duration   time.Duration
	Count      int
	Attempt    int
	Error      bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (e *Engine) stageTimingEnabled() bool {
	return e.config.StageMetrics != nil || e.config.LogStageTimings
}

func (e *Engine) stageStart() time.Time {
	if !e.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (e *Engine) observeStage(ctx context.Context, op, stage, collection string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Operation:  op,
		Stage:      stage,
		Collection: collection,
		Duration:   time.Since(start),
		Count:      count,
		Attempt:    attempt,
		Error:      hadError,
	}

	if e.config.StageMetrics != nil {
		e.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if e.config.LogStageTimings {
		e.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"collection", timing.Collection,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
