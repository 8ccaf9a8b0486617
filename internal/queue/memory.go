package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"syncbridge/internal/sync/types"
)

// MemoryStore is an in-process OperationStore for local development and
// tests. State does not survive a restart; production deployments use the
// Mongo store.
type MemoryStore struct {
	mu   sync.Mutex
	ops  map[string]*types.SyncOperation
	next int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*types.SyncOperation)}
}

func (s *MemoryStore) Insert(_ context.Context, op *types.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ops[op.ID]; exists {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	s.next++
	op.Seq = s.next
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now
	s.ops[op.ID] = cloneOp(op)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	return cloneOp(op), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.SyncOperation
	for _, op := range s.ops {
		if matchesFilter(op, filter) {
			out = append(out, cloneOp(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(op *types.SyncOperation, filter ListFilter) bool {
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if op.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Target != "" && op.Target != filter.Target {
		return false
	}
	if filter.EntityType != "" && op.TargetEntity != filter.EntityType {
		return false
	}
	return true
}

func (s *MemoryStore) Claim(_ context.Context, id string) (*types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	if op.Status != types.StatusPending && op.Status != types.StatusFailed {
		return nil, fmt.Errorf("operation %s in status %s: %w", id, op.Status, ErrNotClaimable)
	}

	// Per-key ordering: only the oldest outstanding operation for the
	// ordering key may run. Parked operations do not block the key; they
	// re-enter at the tail on resolution.
	key := op.OrderingKey()
	for _, other := range s.ops {
		if other.ID == op.ID || other.OrderingKey() != key {
			continue
		}
		if blocksOrdering(other.Status) && other.Seq < op.Seq {
			return nil, fmt.Errorf("operation %s blocked by %s: %w", id, other.ID, ErrNotOldest)
		}
	}

	op.Status = types.StatusInProgress
	op.UpdatedAt = time.Now()
	return cloneOp(op), nil
}

func blocksOrdering(st types.OpStatus) bool {
	switch st {
	case types.StatusPending, types.StatusInProgress, types.StatusFailed:
		return true
	default:
		return false
	}
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return false, fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	if op.Status != types.StatusInProgress {
		return false, nil
	}
	op.Status = types.StatusSucceeded
	op.LastError = ""
	op.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, errMsg string, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	op.Attempts++
	op.LastError = errMsg
	if dead {
		op.Status = types.StatusDead
	} else {
		op.Status = types.StatusFailed
	}
	op.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, expected []types.OpStatus, next types.OpStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return false, fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	for _, st := range expected {
		if op.Status == st {
			op.Status = next
			op.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string, payload types.Record, conflict *types.ConflictNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	s.next++
	op.Seq = s.next
	op.Status = types.StatusPending
	op.Attempts = 0
	op.LastError = ""
	if payload != nil {
		op.Payload = payload
	}
	if conflict != nil {
		op.Conflict = conflict
	}
	op.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListRecoverable(_ context.Context, staleBefore time.Time) ([]*types.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.SyncOperation
	for _, op := range s.ops {
		switch op.Status {
		case types.StatusPending, types.StatusFailed:
			out = append(out, cloneOp(op))
		case types.StatusInProgress:
			if op.UpdatedAt.Before(staleBefore) {
				out = append(out, cloneOp(op))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[types.OpStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.OpStatus]int64)
	for _, op := range s.ops {
		out[op.Status]++
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, op := range s.ops {
		if (op.Status.Terminal() || op.Status == types.StatusPendingManual) && op.UpdatedAt.Before(cutoff) {
			delete(s.ops, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}

func cloneOp(op *types.SyncOperation) *types.SyncOperation {
	out := *op
	out.Payload = op.Payload.Clone()
	out.SourcePayload = op.SourcePayload.Clone()
	if op.Conflict != nil {
		note := *op.Conflict
		note.LosingPayload = op.Conflict.LosingPayload.Clone()
		out.Conflict = &note
	}
	return &out
}
