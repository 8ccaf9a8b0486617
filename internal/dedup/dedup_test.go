package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/sync/types"
)

func newTestDedup(opts Options) *Deduplicator {
	return New(NewMemoryStore(), opts, nil)
}

func TestRegisterDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDedup(Options{DeliveryRetention: time.Minute})

	seen, err := d.RegisterDelivery(ctx, "dlv-1")
	require.NoError(t, err)
	assert.False(t, seen)

	// Same id within the retention window is a literal duplicate.
	seen, err = d.RegisterDelivery(ctx, "dlv-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// A different id is not.
	seen, err = d.RegisterDelivery(ctx, "dlv-2")
	require.NoError(t, err)
	assert.False(t, seen)

	// Events without a delivery id are never duplicates.
	seen, err = d.RegisterDelivery(ctx, "")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSuppressionConsumedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDedup(Options{SuppressionTTL: time.Minute})
	fp := d.FingerprintFor(types.SystemTable, "employees", "emp-1", types.OpUpdate, nil)

	require.NoError(t, d.RegisterSuppression(ctx, fp))

	hit, err := d.ShouldSuppress(ctx, fp)
	require.NoError(t, err)
	assert.True(t, hit)

	// The entry is consumed: a second matching event is processed.
	hit, err = d.ShouldSuppress(ctx, fp)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSuppressionExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := newTestDedup(Options{SuppressionTTL: 20 * time.Millisecond})
	fp := Fingerprint(types.SystemDoc, "Employee", "HR-001", types.OpUpdate, nil, false)

	require.NoError(t, d.RegisterSuppression(ctx, fp))
	time.Sleep(40 * time.Millisecond)

	hit, err := d.ShouldSuppress(ctx, fp)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestFingerprintPayloadHash(t *testing.T) {
	t.Parallel()

	p1 := types.Record{"email": types.String("a@x.com")}
	p2 := types.Record{"email": types.String("b@x.com")}

	// Without payload hashing, content does not matter.
	plain1 := Fingerprint(types.SystemDoc, "Employee", "HR-001", types.OpUpdate, p1, false)
	plain2 := Fingerprint(types.SystemDoc, "Employee", "HR-001", types.OpUpdate, p2, false)
	assert.Equal(t, plain1, plain2)

	// With payload hashing, different content yields distinct fingerprints.
	hashed1 := Fingerprint(types.SystemDoc, "Employee", "HR-001", types.OpUpdate, p1, true)
	hashed2 := Fingerprint(types.SystemDoc, "Employee", "HR-001", types.OpUpdate, p2, true)
	assert.NotEqual(t, hashed1, hashed2)

	// Same content hashes identically.
	assert.Equal(t, hashed1, Fingerprint(types.SystemDoc, "Employee", "HR-001", types.OpUpdate, p1.Clone(), true))

	// Distinct keys and ops never collide.
	assert.NotEqual(t, plain1, Fingerprint(types.SystemDoc, "Employee", "HR-002", types.OpUpdate, p1, false))
	assert.NotEqual(t, plain1, Fingerprint(types.SystemDoc, "Employee", "HR-001", types.OpDelete, p1, false))
}

func TestMemoryStoreSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.PutSuppression(ctx, "fp-old", now.Add(-time.Second)))
	require.NoError(t, s.PutSuppression(ctx, "fp-new", now.Add(time.Minute)))
	_, err := s.PutDelivery(ctx, "dlv-old", now.Add(-time.Second))
	require.NoError(t, err)

	require.NoError(t, s.Sweep(ctx, now))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.suppressions, "fp-old")
	assert.Contains(t, s.suppressions, "fp-new")
	assert.NotContains(t, s.deliveries, "dlv-old")
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	d := newTestDedup(Options{SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
