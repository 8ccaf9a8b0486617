package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"syncbridge/internal/config"
	"syncbridge/internal/core/pubsub"
	"syncbridge/internal/sync/types"
)

// WakeupSubject is the subject operation wakeups publish on.
const WakeupSubject = "sync.ops"

// staleClaimAge is how long an in_progress claim may sit untouched before
// recovery treats it as orphaned by a crash.
const staleClaimAge = 5 * time.Minute

// wakeup tells a worker which operation to pick up. The store holds the
// operation itself; losing a wakeup only delays work until recovery.
type wakeup struct {
	OperationID string `json:"operationId"`
	OrderingKey string `json:"orderingKey"`
}

// Queue is the durable sync operation queue service. Enqueue persists an
// operation and wakes a worker; all state transitions go through the store.
type Queue struct {
	store  OperationStore
	pub    pubsub.Publisher
	cfg    config.QueueConfig
	logger *slog.Logger
}

// New creates the queue service.
func New(store OperationStore, pub pubsub.Publisher, cfg config.QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  store,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "queue"),
	}
}

// Store exposes the underlying operation store to the consumer.
func (q *Queue) Store() OperationStore {
	return q.store
}

// Enqueue persists the operation and publishes a wakeup. A missing ID is
// assigned; status is forced to pending unless the operation arrives
// parked (pending_manual).
func (q *Queue) Enqueue(ctx context.Context, op *types.SyncOperation) (string, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status != types.StatusPendingManual {
		op.Status = types.StatusPending
	}

	if err := q.store.Insert(ctx, op); err != nil {
		return "", types.Fatal(fmt.Errorf("enqueue %s: %w", op.ID, err))
	}

	q.logger.Info("operation enqueued",
		"operation_id", op.ID,
		"target", op.Target,
		"entity", op.TargetEntity,
		"key", op.TargetKey,
		"op", op.Op,
		"status", op.Status,
		"seq", op.Seq,
	)

	if op.Status == types.StatusPending {
		if err := q.publishWakeup(ctx, op); err != nil {
			// The operation is durable; recovery republishes it.
			q.logger.Warn("wakeup publish failed, operation awaits recovery",
				"operation_id", op.ID, "error", err)
		}
	}
	return op.ID, nil
}

func (q *Queue) publishWakeup(ctx context.Context, op *types.SyncOperation) error {
	data, err := json.Marshal(wakeup{OperationID: op.ID, OrderingKey: op.OrderingKey()})
	if err != nil {
		return err
	}
	return q.pub.Publish(ctx, WakeupSubject, data)
}

// Get returns the operation by id.
func (q *Queue) Get(ctx context.Context, id string) (*types.SyncOperation, error) {
	return q.store.Get(ctx, id)
}

// List returns operations matching the filter, oldest first.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*types.SyncOperation, error) {
	return q.store.List(ctx, filter)
}

// ListFailed returns failed, dead and parked operations.
func (q *Queue) ListFailed(ctx context.Context) ([]*types.SyncOperation, error) {
	return q.store.List(ctx, ListFilter{
		Statuses: []types.OpStatus{types.StatusFailed, types.StatusDead, types.StatusPendingManual},
	})
}

// Retry resubmits a failed or dead operation: attempts reset, status back
// to pending, wakeup republished.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.RetryWithPayload(ctx, id, nil)
}

// RetryWithPayload resubmits a failed or dead operation, replacing its
// mapped payload when one is given. Used when the original mapping failed
// and a retry re-maps from the retained source payload.
func (q *Queue) RetryWithPayload(ctx context.Context, id string, payload types.Record) error {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != types.StatusFailed && op.Status != types.StatusDead {
		return fmt.Errorf("operation %s in status %s cannot be retried", id, op.Status)
	}

	if err := q.store.Requeue(ctx, id, payload, nil); err != nil {
		return err
	}
	op, err = q.store.Get(ctx, id)
	if err != nil {
		return err
	}

	q.logger.Info("operation resubmitted", "operation_id", id, "seq", op.Seq)
	if err := q.publishWakeup(ctx, op); err != nil {
		q.logger.Warn("wakeup publish failed, operation awaits recovery", "operation_id", id, "error", err)
	}
	return nil
}

// Cancel cancels an operation that has not finished. An in_progress
// operation is cancelled too: its remote call completes but the result is
// discarded when the worker finds the status changed.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	ok, err := q.store.UpdateStatus(ctx, id,
		[]types.OpStatus{types.StatusPending, types.StatusFailed, types.StatusInProgress, types.StatusPendingManual},
		types.StatusCancelled,
	)
	if err != nil {
		return err
	}
	if !ok {
		op, getErr := q.store.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("operation %s in status %s cannot be cancelled", id, op.Status)
	}
	q.logger.Info("operation cancelled", "operation_id", id)
	return nil
}

// ResolveManual exits a parked conflict with a forced winner payload. The
// operation re-enters the queue at the tail with the resolved payload.
func (q *Queue) ResolveManual(ctx context.Context, id string, winner types.System, payload types.Record) error {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != types.StatusPendingManual {
		return fmt.Errorf("operation %s in status %s is not awaiting manual resolution", id, op.Status)
	}
	if payload == nil {
		return fmt.Errorf("manual resolution of %s requires a winning payload", id)
	}

	note := &types.ConflictNote{
		Strategy:      "manual",
		Winner:        winner,
		WinnerModTime: time.Now(),
	}
	if op.Conflict != nil {
		note.LosingPayload = op.Conflict.LosingPayload
	}

	if err := q.store.Requeue(ctx, id, payload, note); err != nil {
		return err
	}
	op, err = q.store.Get(ctx, id)
	if err != nil {
		return err
	}

	q.logger.Info("manual conflict resolved", "operation_id", id, "winner", winner, "seq", op.Seq)
	if err := q.publishWakeup(ctx, op); err != nil {
		q.logger.Warn("wakeup publish failed, operation awaits recovery", "operation_id", id, "error", err)
	}
	return nil
}

// Stats returns operation counts by status.
func (q *Queue) Stats(ctx context.Context) (map[types.OpStatus]int64, error) {
	return q.store.CountByStatus(ctx)
}

// Recover republishes wakeups for operations that survived a restart:
// pending, failed, and stale in_progress claims, which are first reset to
// pending. Must run before the consumer starts taking traffic.
func (q *Queue) Recover(ctx context.Context) error {
	ops, err := q.store.ListRecoverable(ctx, time.Now().Add(-staleClaimAge))
	if err != nil {
		return fmt.Errorf("list recoverable operations: %w", err)
	}

	recovered := 0
	for _, op := range ops {
		if op.Status == types.StatusInProgress {
			ok, err := q.store.UpdateStatus(ctx, op.ID,
				[]types.OpStatus{types.StatusInProgress}, types.StatusPending)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		if err := q.publishWakeup(ctx, op); err != nil {
			return fmt.Errorf("republish wakeup for %s: %w", op.ID, err)
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("recovered outstanding operations", "count", recovered)
	}
	return nil
}

// RunPurge deletes terminal and parked operations past the audit window on
// a fixed interval, until the context is cancelled.
func (q *Queue) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 || time.Duration(q.cfg.PurgeAfter) <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(q.cfg.PurgeAfter))
			removed, err := q.store.Purge(ctx, cutoff)
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("operation purge failed", "error", err)
				continue
			}
			if removed > 0 {
				q.logger.Info("purged old operations", "count", removed)
			}
		}
	}
}

// PurgeOnce deletes terminal and parked operations past the audit window.
func (q *Queue) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(q.cfg.PurgeAfter))
	return q.store.Purge(ctx, cutoff)
}

// IsNotFound reports whether err is an unknown-operation error.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
