package mapping

import (
	"fmt"
	"sync/atomic"

	"syncbridge/internal/sync/types"
)

// Set is an immutable snapshot of the active mappings, indexed by entity
// type on both sides. Readers hold a snapshot for the duration of one event
// and never observe a partial reload.
type Set struct {
	bySource map[string]*SyncMapping
	byTarget map[string]*SyncMapping
	all      []*SyncMapping
}

// NewSet validates and indexes a mapping list. Two mappings claiming the
// same entity type on the same side are a configuration error.
func NewSet(mappings []*SyncMapping) (*Set, error) {
	s := &Set{
		bySource: make(map[string]*SyncMapping, len(mappings)),
		byTarget: make(map[string]*SyncMapping, len(mappings)),
		all:      make([]*SyncMapping, 0, len(mappings)),
	}
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.bySource[m.SourceEntity]; dup {
			return nil, fmt.Errorf("%w: duplicate mapping for source entity %q", types.ErrConfig, m.SourceEntity)
		}
		if _, dup := s.byTarget[m.TargetEntity]; dup {
			return nil, fmt.Errorf("%w: duplicate mapping for target entity %q", types.ErrConfig, m.TargetEntity)
		}
		s.bySource[m.SourceEntity] = m
		s.byTarget[m.TargetEntity] = m
		s.all = append(s.all, m)
	}
	return s, nil
}

// ForOrigin finds the mapping that accepts events for entityType arriving
// from origin. Returns false when no mapping covers the entity or the
// mapping's direction excludes the origin.
func (s *Set) ForOrigin(origin types.System, entityType string) (*SyncMapping, bool) {
	var m *SyncMapping
	var ok bool
	switch origin {
	case types.SystemDoc:
		m, ok = s.bySource[entityType]
	case types.SystemTable:
		m, ok = s.byTarget[entityType]
	}
	if !ok || !m.Direction.AcceptsFrom(origin) {
		return nil, false
	}
	return m, true
}

// All returns the mappings in load order.
func (s *Set) All() []*SyncMapping {
	return s.all
}

// Len returns the number of mappings in the snapshot.
func (s *Set) Len() int {
	return len(s.all)
}

// Registry holds the active mapping set and swaps it atomically on reload.
// A failed reload keeps the previous set active.
type Registry struct {
	path    string
	current atomic.Pointer[Set]
}

// NewRegistry loads the initial mapping set from path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRegistryFromSet wraps a prebuilt set, for tests and embedders that
// manage their own mapping source.
func NewRegistryFromSet(set *Set) *Registry {
	r := &Registry{}
	r.current.Store(set)
	return r
}

// Snapshot returns the active mapping set.
func (r *Registry) Snapshot() *Set {
	return r.current.Load()
}

// Reload re-reads the mappings file and swaps the active set. On any error
// the previous set stays active and the error wraps types.ErrConfig.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("%w: registry has no mappings file to reload from", types.ErrConfig)
	}
	mappings, err := LoadMappingsFromFile(r.path)
	if err != nil {
		return err
	}
	set, err := NewSet(mappings)
	if err != nil {
		return err
	}
	r.current.Store(set)
	return nil
}

// Replace swaps in a prebuilt set directly.
func (r *Registry) Replace(set *Set) {
	r.current.Store(set)
}
