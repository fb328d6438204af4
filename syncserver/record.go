// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned for a record body that cannot be stored
var ErrInvalidRecord = errors.New("invalid record")

// StoredRecord is one record of a collection as kept by the server.
// Payload holds the user fields as a JSON object, without reserved keys.
type StoredRecord struct {
	ID        string
	UpdatedAt time.Time
	Deleted   bool
	Payload   json.RawMessage
}

// DecodeRecord parses a flat record object: reserved keys id, updated_at and
// deleted are lifted out, synced is dropped, everything else becomes Payload.
func DecodeRecord(data []byte) (StoredRecord, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return StoredRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if m == nil {
		return StoredRecord{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidRecord)
	}

	var rec StoredRecord
	if raw, ok := m[fieldID]; ok {
		if err := json.Unmarshal(raw, &rec.ID); err != nil {
			return StoredRecord{}, fmt.Errorf("%w: id must be a string", ErrInvalidRecord)
		}
	}
	if raw, ok := m[fieldUpdatedAt]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return StoredRecord{}, fmt.Errorf("%w: updated_at must be a string", ErrInvalidRecord)
		}
		t, err := ParseTime(s)
		if err != nil {
			return StoredRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		rec.UpdatedAt = t
	}
	if raw, ok := m[fieldDeleted]; ok {
		if err := json.Unmarshal(raw, &rec.Deleted); err != nil {
			return StoredRecord{}, fmt.Errorf("%w: deleted must be a boolean", ErrInvalidRecord)
		}
	}
	delete(m, fieldID)
	delete(m, fieldUpdatedAt)
	delete(m, fieldSynced)
	delete(m, fieldDeleted)

	payload, err := json.Marshal(m)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	rec.Payload = payload
	return rec, nil
}

// MarshalJSON renders the record flat, the same shape DecodeRecord accepts
func (r StoredRecord) MarshalJSON() ([]byte, error) {
	m := map[string]json.RawMessage{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &m); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", r.ID, err)
		}
		if m == nil {
			m = map[string]json.RawMessage{}
		}
	}
	id, _ := json.Marshal(r.ID)
	at, _ := json.Marshal(FormatTime(r.UpdatedAt))
	m[fieldID] = id
	m[fieldUpdatedAt] = at
	delete(m, fieldSynced)
	if r.Deleted {
		m[fieldDeleted] = json.RawMessage("true")
	} else {
		delete(m, fieldDeleted)
	}
	return json.Marshal(m)
}

func (r StoredRecord) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: missing updated_at", ErrInvalidRecord)
	}
	return nil
}

// FormatTime renders t in UTC using TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
