// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of local mutation carried by a queue entry
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// TimeLayout is the ISO-8601 form used for every persisted timestamp.
// Fixed microsecond precision keeps the strings lexicographically sortable,
// which the SQLite "changed since" comparisons rely on.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC using TimeLayout
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// epoch is the watermark of a collection that has never been pulled
var epoch = time.Unix(0, 0).UTC()

// Reserved record keys; they live in dedicated columns and never inside Fields.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
	FieldSynced    = "synced"
	FieldDeleted   = "deleted"
)

var reservedFields = map[string]struct{}{
	FieldID:        {},
	FieldUpdatedAt: {},
	FieldSynced:    {},
	FieldDeleted:   {},
}

// Record is a schema-agnostic document of a named collection.
//
// On the wire a record is a flat JSON object: {"id", "updated_at", ...fields}.
// Synced is local bookkeeping and is never serialized. Deleted is only set on
// tombstones returned by the remote store.
type Record struct {
	ID        string
	UpdatedAt time.Time
	Synced    bool
	Deleted   bool
	Fields    map[string]any
}

// Clone returns a copy of r with its own top-level Fields map
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func (r Record) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	for k := range r.Fields {
		if _, ok := reservedFields[k]; ok {
			return fmt.Errorf("%w: field %q is reserved", ErrInvalidRecord, k)
		}
	}
	return nil
}

// MarshalJSON flattens the record into a single JSON object
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		if _, ok := reservedFields[k]; ok {
			continue
		}
		m[k] = v
	}
	m[FieldID] = r.ID
	m[FieldUpdatedAt] = FormatTime(r.UpdatedAt)
	if r.Deleted {
		m[FieldDeleted] = true
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the flat JSON form produced by MarshalJSON
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := decodeObject(data, &m); err != nil {
		return err
	}
	out := Record{Fields: make(map[string]any, len(m))}
	for k, v := range m {
		switch k {
		case FieldID:
			id, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: id must be a string", ErrInvalidRecord)
			}
			out.ID = id
		case FieldUpdatedAt:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%w: updated_at must be a string", ErrInvalidRecord)
			}
			t, err := ParseTime(s)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
			}
			out.UpdatedAt = t
		case FieldDeleted:
			b, _ := v.(bool)
			out.Deleted = b
		case FieldSynced:
			// local-only flag, ignore whatever the peer sent
		default:
			out.Fields[k] = v
		}
	}
	*r = out
	return nil
}

// encodeFields serializes only the collection-specific fields for the
// payload column of a collection table
func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(payload string) (map[string]any, error) {
	fields := map[string]any{}
	if payload == "" {
		return fields, nil
	}
	if err := decodeObject([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record fields: %w", err)
	}
	return fields, nil
}

// decodeObject keeps numbers as json.Number so integers beyond 2^53 survive
func decodeObject(data []byte, out *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON object")
	}
	return nil
}

// sameContent reports whether two records carry the same timestamp and fields
func sameContent(a, b Record) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	ea, err := encodeFields(a.Fields)
	if err != nil {
		return false
	}
	eb, err := encodeFields(b.Fields)
	if err != nil {
		return false
	}
	return ea == eb
}
