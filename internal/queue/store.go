// Package queue implements the durable sync operation queue: a persistent
// operation store as the source of truth, pub/sub wakeup messages to drive
// a worker pool, per-key ordering, and retry with exponential backoff.
package queue

import (
	"context"
	"errors"
	"time"

	"syncbridge/internal/sync/types"
)

var (
	// ErrNotClaimable means the operation is not in a claimable state:
	// already running, parked, or terminal.
	ErrNotClaimable = errors.New("operation not claimable")

	// ErrNotOldest means an earlier operation for the same ordering key is
	// still outstanding; the caller should retry after a short delay.
	ErrNotOldest = errors.New("earlier operation pending for ordering key")
)

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	Statuses   []types.OpStatus
	Target     types.System
	EntityType string
	Limit      int
}

// OperationStore persists sync operations. It is the source of truth for
// operation state; pub/sub messages only wake workers up. Implementations
// must be safe for concurrent use.
type OperationStore interface {
	// Insert stores a new operation and assigns its Seq. The Seq order is
	// the creation order used by the per-key ordering guarantee.
	Insert(ctx context.Context, op *types.SyncOperation) error

	// Get returns the operation or types.ErrNotFound.
	Get(ctx context.Context, id string) (*types.SyncOperation, error)

	// List returns operations matching the filter, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*types.SyncOperation, error)

	// Claim transitions a pending or failed operation to in_progress and
	// returns the claimed state. It fails with ErrNotOldest when an
	// earlier non-terminal, non-parked operation shares the ordering key,
	// and with ErrNotClaimable when the status excludes claiming.
	Claim(ctx context.Context, id string) (*types.SyncOperation, error)

	// MarkSucceeded completes an in_progress operation. It reports false
	// when the operation was no longer in_progress, a cancel raced the
	// worker for example, in which case the result is discarded.
	MarkSucceeded(ctx context.Context, id string) (bool, error)

	// MarkFailed records a failed attempt: increments the attempt count,
	// stores the error, and moves the operation to failed or, when dead
	// is set, to dead.
	MarkFailed(ctx context.Context, id string, errMsg string, dead bool) error

	// UpdateStatus transitions id from one of the expected statuses to
	// next. It reports false without error when the current status is not
	// expected.
	UpdateStatus(ctx context.Context, id string, expected []types.OpStatus, next types.OpStatus) (bool, error)

	// Requeue re-enqueues the operation at the tail: a fresh Seq, status
	// pending, optionally replacing the payload, resetting attempts.
	Requeue(ctx context.Context, id string, payload types.Record, conflict *types.ConflictNote) error

	// ListRecoverable returns operations that need a wakeup after a
	// restart: pending, failed, and in_progress ones whose claim went
	// stale before staleBefore.
	ListRecoverable(ctx context.Context, staleBefore time.Time) ([]*types.SyncOperation, error)

	// CountByStatus returns operation counts grouped by status.
	CountByStatus(ctx context.Context) (map[types.OpStatus]int64, error)

	// Purge deletes terminal and parked operations last updated before
	// cutoff and returns the number removed.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)

	Close(ctx context.Context) error
}
