// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Remote is the central multi-tenant store as seen by the engine.
// Implementations decide the transport; the engine only relies on these
// four operations and on SelectSince returning records with
// updated_at >= since in ascending updated_at order.
type Remote interface {
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	Update(ctx context.Context, collection, id string, rec Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
	SelectSince(ctx context.Context, collection string, since time.Time) ([]Record, error)
}

// RemoteError is a non-success answer from the remote store
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("remote error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsTransient reports whether err looks like a failure that a later sync run
// can succeed past: timeouts, network errors, 408, 429 and 5xx answers.
// Every push failure still counts towards MaxAttempts; this only classifies.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusRequestTimeout ||
			re.StatusCode == http.StatusTooManyRequests ||
			re.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
