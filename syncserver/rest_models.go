// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import "encoding/json"

// REST/JSON models shared by the HTTP handlers and their clients

// RecordsResponse is the answer to GET /sync/{collection}?since=
// Each element is a flat record object (see StoredRecord).
type RecordsResponse struct {
	Records []json.RawMessage `json:"records"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status      string   `json:"status"`      // healthy, unhealthy
	AppName     string   `json:"app_name"`    // Application name
	Collections []string `json:"collections"` // Collections accepted for sync
}
