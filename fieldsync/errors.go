// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import "errors"

var (
	// ErrNotInitialized is returned when the engine is used before Initialize
	ErrNotInitialized = errors.New("sync engine is not initialized")

	ErrInvalidCollection = errors.New("invalid collection name")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrInvalidAction     = errors.New("invalid action")

	// ErrNotFound is returned for unknown queue entries, failed mutations and remote rows
	ErrNotFound = errors.New("not found")
)
