// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

// Error codes returned in ErrorResponse.Error
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeInvalidRequest       = "invalid_request"
	CodeUnknownCollection    = "unknown_collection"
	CodeNotFound             = "not_found"
	CodePayloadTooLarge      = "payload_too_large"
	CodeInternal             = "internal_error"
)

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Reserved record keys
const (
	fieldID        = "id"
	fieldUpdatedAt = "updated_at"
	fieldSynced    = "synced"
	fieldDeleted   = "deleted"
)

// TimeLayout is the wire form of updated_at: UTC with fixed microseconds,
// so values sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"
