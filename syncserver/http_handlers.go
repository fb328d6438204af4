// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

// ClientAuthenticator extracts tenant and user identity from HTTP requests.
// Implementations should validate auth (e.g., JWT).
type ClientAuthenticator interface {
	GetTenantID(r *http.Request) (string, error)
	GetUserID(r *http.Request) (string, error)
}

// HTTPHandlers provides the record REST API
type HTTPHandlers struct {
	store           RecordStore
	authenticator   ClientAuthenticator
	logger          *slog.Logger
	appName         string
	maxPayloadBytes int64
}

// NewHTTPHandlers creates handlers over a record store
func NewHTTPHandlers(store RecordStore, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		store:           store,
		authenticator:   authenticator,
		logger:          logger,
		appName:         "go-fieldsync-server",
		maxPayloadBytes: 1 << 20,
	}
}

// WithConfig takes the app name reported by /health and the request body
// limit from config
func (h *HTTPHandlers) WithConfig(config *ServiceConfig) *HTTPHandlers {
	if config == nil {
		return h
	}
	if config.AppName != "" {
		h.appName = config.AppName
	}
	if config.MaxPayloadBytes > 0 {
		h.maxPayloadBytes = int64(config.MaxPayloadBytes)
	}
	return h
}

// Register mounts every route on mux
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/{collection}", h.HandleInsert)
	mux.HandleFunc("PUT /sync/{collection}/{id}", h.HandleUpdate)
	mux.HandleFunc("DELETE /sync/{collection}/{id}", h.HandleDelete)
	mux.HandleFunc("GET /sync/{collection}", h.HandleSelectSince)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

// tenant resolves the caller's tenant, preferring what the JWT middleware
// already put in the context
func (h *HTTPHandlers) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	if tenantID, ok := auth.GetTenantID(r.Context()); ok {
		return tenantID, true
	}
	if h.authenticator == nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, "no authenticator configured")
		return "", false
	}
	tenantID, err := h.authenticator.GetTenantID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthenticationFailed, err.Error())
		return "", false
	}
	return tenantID, true
}

func (h *HTTPHandlers) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	collection := r.PathValue("collection")
	if !h.store.IsCollectionRegistered(collection) {
		h.writeError(w, http.StatusNotFound, CodeUnknownCollection, "collection is not registered for sync: "+collection)
		return "", false
	}
	return collection, true
}

func (h *HTTPHandlers) readRecord(w http.ResponseWriter, r *http.Request) (StoredRecord, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large")
			return StoredRecord{}, false
		}
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read request body")
		return StoredRecord{}, false
	}
	rec, err := DecodeRecord(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return StoredRecord{}, false
	}
	return rec, true
}

// HandleInsert creates or replaces a record (POST /sync/{collection})
func (h *HTTPHandlers) HandleInsert(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}
	rec, ok := h.readRecord(w, r)
	if !ok {
		return
	}

	stored, err := h.store.Insert(r.Context(), tenantID, collection, rec)
	if err != nil {
		h.storeError(w, err, "insert", tenantID, collection, rec.ID)
		return
	}
	h.writeJSON(w, http.StatusOK, stored)
}

// HandleUpdate updates an existing record (PUT /sync/{collection}/{id})
func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	rec, ok := h.readRecord(w, r)
	if !ok {
		return
	}
	if rec.ID != "" && rec.ID != id {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "record id does not match path")
		return
	}

	stored, err := h.store.Update(r.Context(), tenantID, collection, id, rec)
	if err != nil {
		h.storeError(w, err, "update", tenantID, collection, id)
		return
	}
	h.writeJSON(w, http.StatusOK, stored)
}

// HandleDelete tombstones a record (DELETE /sync/{collection}/{id})
func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.store.Delete(r.Context(), tenantID, collection, id); err != nil {
		h.storeError(w, err, "delete", tenantID, collection, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSelectSince returns records changed at or after ?since= (GET /sync/{collection})
func (h *HTTPHandlers) HandleSelectSince(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}

	since := time.Unix(0, 0).UTC()
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := ParseTime(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be an ISO-8601 timestamp")
			return
		}
		since = t
	}

	records, err := h.store.SelectSince(r.Context(), tenantID, collection, since)
	if err != nil {
		h.storeError(w, err, "select", tenantID, collection, "")
		return
	}

	resp := RecordsResponse{Records: make([]json.RawMessage, 0, len(records))}
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			h.logger.Error("Failed to encode record", "error", err, "collection", collection, "id", rec.ID)
			h.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to encode records")
			return
		}
		resp.Records = append(resp.Records, raw)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports whether the backing store is reachable
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:      StatusHealthy,
		AppName:     h.appName,
		Collections: h.store.Collections(),
	}
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		resp.Status = StatusUnhealthy
		h.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) storeError(w http.ResponseWriter, err error, op, tenantID, collection, id string) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, CodeNotFound, "record not found: "+id)
	case errors.Is(err, ErrUnknownCollection):
		h.writeError(w, http.StatusNotFound, CodeUnknownCollection, "collection is not registered for sync: "+collection)
	case errors.Is(err, ErrInvalidRecord):
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	default:
		h.logger.Error("Failed to process request", "op", op, "error", err,
			"tenant_id", tenantID, "collection", collection, "id", id)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, "failed to process "+op)
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
