package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"syncbridge/internal/remote"
	"syncbridge/internal/sync/types"
)

// Executor applies a claimed operation to its target system. Each attempt
// runs under the configured write timeout; exceeding it counts as a failed
// attempt subject to the retry policy.
type Executor struct {
	stores  remote.Stores
	timeout time.Duration
}

// NewExecutor creates an executor over the remote stores.
func NewExecutor(stores remote.Stores, timeout time.Duration) *Executor {
	return &Executor{stores: stores, timeout: timeout}
}

// Execute performs the remote write for op.
func (e *Executor) Execute(ctx context.Context, op *types.SyncOperation) error {
	store := e.stores.For(op.Target)
	if store == nil {
		return &types.RemoteError{
			System:     op.Target,
			EntityType: op.TargetEntity,
			Key:        op.TargetKey,
			Err:        errors.New("no remote store configured"),
			Permanent:  true,
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var err error
	switch op.Op {
	case types.OpCreate:
		_, err = store.Create(ctx, op.TargetEntity, op.Payload)
	case types.OpUpdate:
		err = store.Update(ctx, op.TargetEntity, op.TargetKey, op.Payload)
	case types.OpDelete:
		err = store.Delete(ctx, op.TargetEntity, op.TargetKey)
	default:
		return &types.RemoteError{
			System:     op.Target,
			EntityType: op.TargetEntity,
			Key:        op.TargetKey,
			Err:        fmt.Errorf("unknown operation kind %q", op.Op),
			Permanent:  true,
		}
	}

	if err != nil {
		// Updating or deleting an absent record is consistent with the
		// target already matching the intent; treat it as applied.
		if errors.Is(err, types.ErrNotFound) && op.Op != types.OpCreate {
			return nil
		}
		var re *types.RemoteError
		if errors.As(err, &re) {
			return err
		}
		return &types.RemoteError{
			System:     op.Target,
			EntityType: op.TargetEntity,
			Key:        op.TargetKey,
			Err:        err,
		}
	}
	return nil
}
