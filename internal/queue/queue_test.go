package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/config"
	"syncbridge/internal/core/pubsub"
	"syncbridge/internal/core/pubsub/memory"
	"syncbridge/internal/sync/types"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: types.Duration(time.Millisecond),
		MaxBackoff:     types.Duration(10 * time.Millisecond),
		WriteTimeout:   types.Duration(time.Second),
		PurgeAfter:     types.Duration(time.Hour),
		ChannelBufSize: 16,
	}
}

// newTestQueue wires a queue over the in-memory store and pubsub engine and
// returns a channel carrying the published wakeups.
func newTestQueue(t *testing.T) (*Queue, *MemoryStore, <-chan wakeup) {
	t.Helper()

	engine := memory.New()
	t.Cleanup(func() { engine.Close() })

	pub, err := engine.NewPublisher(pubsub.PublisherOptions{StreamName: "SYNC_OPS"})
	require.NoError(t, err)

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: WakeupSubject})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	wakeups := make(chan wakeup, 64)
	go func() {
		for msg := range msgCh {
			var w wakeup
			if json.Unmarshal(msg.Data(), &w) == nil {
				wakeups <- w
			}
			msg.Ack()
		}
	}()

	store := NewMemoryStore()
	return New(store, pub, testQueueConfig(), nil), store, wakeups
}

func awaitWakeup(t *testing.T, ch <-chan wakeup) wakeup {
	t.Helper()
	select {
	case w := <-ch:
		return w
	case <-time.After(time.Second):
		t.Fatal("no wakeup published")
		return wakeup{}
	}
}

func TestEnqueuePersistsAndWakes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, store, wakeups := newTestQueue(t)

	op := newOp("", "emp-1")
	op.ID = ""
	id, err := q.Enqueue(ctx, op)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status)

	w := awaitWakeup(t, wakeups)
	assert.Equal(t, id, w.OperationID)
	assert.Equal(t, stored.OrderingKey(), w.OrderingKey)
}

func TestEnqueueParkedSkipsWakeup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, store, wakeups := newTestQueue(t)

	op := newOp("op-parked", "emp-1")
	op.Status = types.StatusPendingManual
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)

	stored, err := store.Get(ctx, "op-parked")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingManual, stored.Status)

	select {
	case w := <-wakeups:
		t.Fatalf("unexpected wakeup for parked operation: %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryResetsDeadOperation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, store, wakeups := newTestQueue(t)

	id, err := q.Enqueue(ctx, newOp("op-1", "emp-1"))
	require.NoError(t, err)
	awaitWakeup(t, wakeups)

	_, err = store.Claim(ctx, id)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, id, "remote down", true))

	require.NoError(t, q.Retry(ctx, id))

	op, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, op.Status)
	assert.Equal(t, 0, op.Attempts)

	w := awaitWakeup(t, wakeups)
	assert.Equal(t, id, w.OperationID)

	// Pending operations cannot be retried.
	assert.Error(t, q.Retry(ctx, id))
}

func TestCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, store, wakeups := newTestQueue(t)

	id, err := q.Enqueue(ctx, newOp("op-1", "emp-1"))
	require.NoError(t, err)
	awaitWakeup(t, wakeups)

	require.NoError(t, q.Cancel(ctx, id))

	op, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, op.Status)

	// Terminal operations cannot be cancelled again.
	assert.Error(t, q.Cancel(ctx, id))
}

func TestResolveManual(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, store, wakeups := newTestQueue(t)

	op := newOp("op-conflict", "emp-1")
	op.Status = types.StatusPendingManual
	op.Conflict = &types.ConflictNote{
		Strategy:      "manual",
		LosingPayload: types.Record{"email": types.String("loser@x.com")},
	}
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)

	resolved := types.Record{"email": types.String("winner@x.com")}
	require.NoError(t, q.ResolveManual(ctx, "op-conflict", types.SystemDoc, resolved))

	stored, err := store.Get(ctx, "op-conflict")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, stored.Status)
	assert.Equal(t, resolved, stored.Payload)
	require.NotNil(t, stored.Conflict)
	assert.Equal(t, types.SystemDoc, stored.Conflict.Winner)

	w := awaitWakeup(t, wakeups)
	assert.Equal(t, "op-conflict", w.OperationID)

	// Only parked operations accept manual resolution.
	err = q.ResolveManual(ctx, "op-conflict", types.SystemDoc, resolved)
	assert.Error(t, err)
}

func TestRecoverRepublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, store, wakeups := newTestQueue(t)

	// Simulate pre-restart state written straight to the store.
	require.NoError(t, store.Insert(ctx, newOp("op-pending", "k1")))

	failed := newOp("op-failed", "k2")
	require.NoError(t, store.Insert(ctx, failed))
	_, err := store.Claim(ctx, "op-failed")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "op-failed", "boom", false))

	require.NoError(t, q.Recover(ctx))

	got := map[string]bool{}
	got[awaitWakeup(t, wakeups).OperationID] = true
	got[awaitWakeup(t, wakeups).OperationID] = true
	assert.True(t, got["op-pending"])
	assert.True(t, got["op-failed"])
}

func TestStatsAndPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, store, wakeups := newTestQueue(t)

	id, err := q.Enqueue(ctx, newOp("op-1", "k1"))
	require.NoError(t, err)
	awaitWakeup(t, wakeups)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[types.StatusPending])

	_, err = store.Claim(ctx, id)
	require.NoError(t, err)
	_, err = store.MarkSucceeded(ctx, id)
	require.NoError(t, err)

	// PurgeAfter is an hour in the test config, so a fresh success stays.
	removed, err := q.PurgeOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
