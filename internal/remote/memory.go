package remote

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"syncbridge/internal/sync/types"
)

// MemoryStore is an in-memory RecordStore and KeyLookup, used for local
// development and tests. Safe for concurrent use.
type MemoryStore struct {
	system    types.System
	nameField string

	mu       sync.RWMutex
	entities map[string]map[string]types.Record
	nextKey  atomic.Int64
}

// NewMemoryStore creates an empty store. nameField is the payload field
// ResolveKeyByName matches display names against.
func NewMemoryStore(system types.System, nameField string) *MemoryStore {
	return &MemoryStore{
		system:    system,
		nameField: nameField,
		entities:  make(map[string]map[string]types.Record),
	}
}

// Create stores the payload under its key field value, or a generated key
// when the payload carries none.
func (s *MemoryStore) Create(_ context.Context, entityType string, payload types.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ""
	if v, ok := payload["id"]; ok && !v.IsNull() {
		key = v.Str
	}
	if key == "" {
		key = fmt.Sprintf("%s-%d", entityType, s.nextKey.Add(1))
	}

	if s.entities[entityType] == nil {
		s.entities[entityType] = make(map[string]types.Record)
	}
	s.entities[entityType][key] = payload.Clone()
	return key, nil
}

// Update merges the payload into the stored record, creating it when
// absent so replayed creates stay idempotent.
func (s *MemoryStore) Update(_ context.Context, entityType, key string, payload types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entities[entityType] == nil {
		s.entities[entityType] = make(map[string]types.Record)
	}
	existing, ok := s.entities[entityType][key]
	if !ok {
		existing = make(types.Record, len(payload))
	} else {
		existing = existing.Clone()
	}
	for f, v := range payload {
		existing[f] = v
	}
	s.entities[entityType][key] = existing
	return nil
}

// Delete removes the record. Deleting an absent record is a no-op.
func (s *MemoryStore) Delete(_ context.Context, entityType, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entities[entityType], key)
	return nil
}

// Get fetches a record copy, or types.ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, entityType, key string) (types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entities[entityType][key]
	if !ok {
		return nil, fmt.Errorf("%s %s/%s: %w", s.system, entityType, key, types.ErrNotFound)
	}
	return rec.Clone(), nil
}

// ResolveKeyByName scans for a record whose name field equals name.
func (s *MemoryStore) ResolveKeyByName(_ context.Context, entityType, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, rec := range s.entities[entityType] {
		if v, ok := rec[s.nameField]; ok && v.Kind == types.KindString && v.Str == name {
			return key, nil
		}
	}
	return "", fmt.Errorf("%s %s named %q: %w", s.system, entityType, name, types.ErrNotFound)
}
