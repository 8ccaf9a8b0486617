package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/sync/types"
)

func newOp(id, key string) *types.SyncOperation {
	return &types.SyncOperation{
		ID:           id,
		EventID:      "evt-" + id,
		Source:       types.SystemDoc,
		Target:       types.SystemTable,
		SourceEntity: "Employee",
		TargetEntity: "employees",
		TargetKey:    key,
		Op:           types.OpUpdate,
		Payload:      types.Record{"email": types.String("a@x.com")},
		Status:       types.StatusPending,
	}
}

func TestMemoryStoreInsertAssignsSeq(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	op1 := newOp("op-1", "k1")
	op2 := newOp("op-2", "k2")
	require.NoError(t, s.Insert(ctx, op1))
	require.NoError(t, s.Insert(ctx, op2))

	assert.Less(t, op1.Seq, op2.Seq)
	assert.False(t, op1.CreatedAt.IsZero())

	// Duplicate ids are rejected.
	assert.Error(t, s.Insert(ctx, newOp("op-1", "k3")))
}

func TestMemoryStoreClaimOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	first := newOp("op-1", "same-key")
	second := newOp("op-2", "same-key")
	other := newOp("op-3", "other-key")
	require.NoError(t, s.Insert(ctx, first))
	require.NoError(t, s.Insert(ctx, second))
	require.NoError(t, s.Insert(ctx, other))

	// The second operation is blocked behind the first.
	_, err := s.Claim(ctx, "op-2")
	assert.ErrorIs(t, err, ErrNotOldest)

	// A distinct ordering key is not blocked.
	claimed, err := s.Claim(ctx, "op-3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, claimed.Status)

	// The oldest claims fine; op-2 stays blocked while op-1 runs.
	_, err = s.Claim(ctx, "op-1")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "op-2")
	assert.ErrorIs(t, err, ErrNotOldest)

	// Once op-1 reaches a terminal state, op-2 unblocks.
	applied, err := s.MarkSucceeded(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, applied)

	claimed, err = s.Claim(ctx, "op-2")
	require.NoError(t, err)
	assert.Equal(t, "op-2", claimed.ID)
}

func TestMemoryStoreClaimStates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newOp("op-1", "k")))

	// In-progress operations cannot be claimed twice.
	_, err := s.Claim(ctx, "op-1")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "op-1")
	assert.ErrorIs(t, err, ErrNotClaimable)

	// Failed operations are claimable again.
	require.NoError(t, s.MarkFailed(ctx, "op-1", "boom", false))
	claimed, err := s.Claim(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)

	// Unknown operations report not found.
	_, err = s.Claim(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryStoreParkedDoesNotBlock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	parked := newOp("op-parked", "k")
	parked.Status = types.StatusPendingManual
	require.NoError(t, s.Insert(ctx, parked))
	require.NoError(t, s.Insert(ctx, newOp("op-next", "k")))

	// The parked conflict does not block later work on the key.
	_, err := s.Claim(ctx, "op-next")
	require.NoError(t, err)

	// And the parked operation itself is not claimable.
	_, err = s.Claim(ctx, "op-parked")
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestMemoryStoreMarkSucceededAfterCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newOp("op-1", "k")))

	_, err := s.Claim(ctx, "op-1")
	require.NoError(t, err)

	// Cancel races the worker.
	ok, err := s.UpdateStatus(ctx, "op-1", []types.OpStatus{types.StatusInProgress}, types.StatusCancelled)
	require.NoError(t, err)
	assert.True(t, ok)

	applied, err := s.MarkSucceeded(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, applied)

	op, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, op.Status)
}

func TestMemoryStoreRequeue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newOp("op-1", "k")))
	require.NoError(t, s.Insert(ctx, newOp("op-2", "k2")))
	require.NoError(t, s.MarkFailed(ctx, "op-1", "boom", true))

	newPayload := types.Record{"email": types.String("resolved@x.com")}
	require.NoError(t, s.Requeue(ctx, "op-1", newPayload, nil))

	op, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, op.Status)
	assert.Equal(t, 0, op.Attempts)
	assert.Empty(t, op.LastError)
	assert.Equal(t, newPayload, op.Payload)

	// Requeue moves the operation to the tail of the sequence.
	other, err := s.Get(ctx, "op-2")
	require.NoError(t, err)
	assert.Greater(t, op.Seq, other.Seq)
}

func TestMemoryStoreListAndCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newOp("op-1", "k1")))
	require.NoError(t, s.Insert(ctx, newOp("op-2", "k2")))
	require.NoError(t, s.MarkFailed(ctx, "op-2", "boom", true))

	failed, err := s.List(ctx, ListFilter{Statuses: []types.OpStatus{types.StatusDead}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "op-2", failed[0].ID)

	all, err := s.List(ctx, ListFilter{Target: types.SystemTable})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := s.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "op-1", limited[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[types.StatusPending])
	assert.Equal(t, int64(1), counts[types.StatusDead])
}

func TestMemoryStoreRecoverableAndPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newOp("op-pending", "k1")))
	require.NoError(t, s.Insert(ctx, newOp("op-running", "k2")))
	require.NoError(t, s.Insert(ctx, newOp("op-done", "k3")))

	_, err := s.Claim(ctx, "op-running")
	require.NoError(t, err)
	_, err = s.Claim(ctx, "op-done")
	require.NoError(t, err)
	_, err = s.MarkSucceeded(ctx, "op-done")
	require.NoError(t, err)

	// A fresh in_progress claim is not recoverable; a stale one is.
	recoverable, err := s.ListRecoverable(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	assert.Equal(t, "op-pending", recoverable[0].ID)

	recoverable, err = s.ListRecoverable(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, recoverable, 2)

	// Purge removes only terminal operations past the cutoff.
	removed, err := s.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	_, err = s.Get(ctx, "op-done")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.Get(ctx, "op-pending")
	assert.NoError(t, err)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newOp("op-1", "k")))

	op, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	op.Payload["email"] = types.String("mutated@x.com")
	op.Status = types.StatusDead

	fresh, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.String("a@x.com"), fresh.Payload["email"])
	assert.Equal(t, types.StatusPending, fresh.Status)
}
