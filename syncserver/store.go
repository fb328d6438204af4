// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when updating a record the tenant does not have
var ErrNotFound = errors.New("record not found")

// ErrUnknownCollection is returned for collections not registered for sync
var ErrUnknownCollection = errors.New("unknown collection")

// RecordStore is the tenant-scoped record storage behind the HTTP handlers.
//
// Insert and Update resolve conflicts by last writer wins on UpdatedAt and
// always return the row as stored. Update of an absent record fails with
// ErrNotFound. Delete leaves a tombstone so other devices learn about it.
// SelectSince returns rows with UpdatedAt >= since, ascending, tombstones
// included.
type RecordStore interface {
	Insert(ctx context.Context, tenantID, collection string, rec StoredRecord) (StoredRecord, error)
	Update(ctx context.Context, tenantID, collection, id string, rec StoredRecord) (StoredRecord, error)
	Delete(ctx context.Context, tenantID, collection, id string) error
	SelectSince(ctx context.Context, tenantID, collection string, since time.Time) ([]StoredRecord, error)
	IsCollectionRegistered(collection string) bool
	Collections() []string
	Ping(ctx context.Context) error
}

func normalizeCollections(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MemoryStore is an in-process RecordStore for development servers and tests
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]bool
	rows        map[string]map[string]StoredRecord // "tenant/collection" -> id -> row
	now         func() time.Time
}

// NewMemoryStore creates an empty store accepting the given collections
func NewMemoryStore(collections ...string) *MemoryStore {
	return &MemoryStore{
		collections: normalizeCollections(collections),
		rows:        make(map[string]map[string]StoredRecord),
		now:         time.Now,
	}
}

func (m *MemoryStore) bucket(tenantID, collection string) map[string]StoredRecord {
	key := tenantID + "/" + collection
	b := m.rows[key]
	if b == nil {
		b = make(map[string]StoredRecord)
		m.rows[key] = b
	}
	return b
}

func (m *MemoryStore) check(collection string) error {
	if !m.collections[collection] {
		return ErrUnknownCollection
	}
	return nil
}

func (m *MemoryStore) Insert(ctx context.Context, tenantID, collection string, rec StoredRecord) (StoredRecord, error) {
	if err := rec.validate(); err != nil {
		return StoredRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(collection); err != nil {
		return StoredRecord{}, err
	}
	b := m.bucket(tenantID, collection)
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Microsecond)
	if cur, ok := b[rec.ID]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return cur, nil
	}
	rec.Deleted = false
	b[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) Update(ctx context.Context, tenantID, collection, id string, rec StoredRecord) (StoredRecord, error) {
	rec.ID = id
	if err := rec.validate(); err != nil {
		return StoredRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(collection); err != nil {
		return StoredRecord{}, err
	}
	b := m.bucket(tenantID, collection)
	cur, ok := b[id]
	if !ok {
		return StoredRecord{}, ErrNotFound
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Microsecond)
	if cur.UpdatedAt.After(rec.UpdatedAt) {
		return cur, nil
	}
	rec.Deleted = false
	b[id] = rec
	return rec, nil
}

func (m *MemoryStore) Delete(ctx context.Context, tenantID, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(collection); err != nil {
		return err
	}
	b := m.bucket(tenantID, collection)
	cur, ok := b[id]
	if !ok || cur.Deleted {
		return nil
	}
	at := m.now().UTC().Truncate(time.Microsecond)
	if at.Before(cur.UpdatedAt) {
		at = cur.UpdatedAt
	}
	b[id] = StoredRecord{ID: id, UpdatedAt: at, Deleted: true, Payload: []byte("{}")}
	return nil
}

func (m *MemoryStore) SelectSince(ctx context.Context, tenantID, collection string, since time.Time) ([]StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(collection); err != nil {
		return nil, err
	}
	out := []StoredRecord{}
	for _, rec := range m.bucket(tenantID, collection) {
		if !rec.UpdatedAt.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) IsCollectionRegistered(collection string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collections[collection]
}

func (m *MemoryStore) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.collections)
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
