// Package remote defines the boundary to the two synced record stores.
// The core never constructs transport requests itself; concrete clients
// implement these interfaces and are injected at wiring time.
package remote

import (
	"context"

	"syncbridge/internal/sync/types"
)

// RecordStore is the record I/O surface of one remote system. Get returns
// types.ErrNotFound (possibly wrapped) when the record does not exist.
// Implementations must be idempotent under the declared primary key:
// re-applying a write to an already-consistent target is a no-op.
type RecordStore interface {
	Create(ctx context.Context, entityType string, payload types.Record) (string, error)
	Update(ctx context.Context, entityType, key string, payload types.Record) error
	Delete(ctx context.Context, entityType, key string) error
	Get(ctx context.Context, entityType, key string) (types.Record, error)
}

// KeyLookup resolves a related entity's key by its display name.
type KeyLookup interface {
	ResolveKeyByName(ctx context.Context, entityType, name string) (string, error)
}

// Stores bundles both sides' record stores.
type Stores struct {
	Doc   RecordStore
	Table RecordStore
}

// For returns the store for the given system, or nil when unset.
func (s Stores) For(system types.System) RecordStore {
	if system == types.SystemDoc {
		return s.Doc
	}
	return s.Table
}
