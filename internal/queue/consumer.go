package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/core/pubsub"
	"syncbridge/internal/sync/types"
)

// orderingRetryDelay is how long a worker waits before re-checking an
// operation blocked behind an earlier one on the same key.
const orderingRetryDelay = 200 * time.Millisecond

const (
	defaultDrainTimeout    = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Consumer pulls wakeup messages and drives claimed operations through the
// executor. Same-key operations hash to the same worker so per-key order
// holds even before the store-level claim guard kicks in.
type Consumer struct {
	consumer pubsub.Consumer
	store    OperationStore
	executor *Executor
	cfg      config.QueueConfig
	logger   *slog.Logger

	numWorkers     int
	channelBufSize int
	workerChans    []chan pubsub.Message
	wg             sync.WaitGroup

	// Shutdown coordination
	closing         atomic.Bool
	inFlightCount   atomic.Int32
	drainTimeout    time.Duration
	shutdownTimeout time.Duration
}

// NewConsumer creates the queue consumer.
func NewConsumer(consumer pubsub.Consumer, store OperationStore, executor *Executor, cfg config.QueueConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 16
	}
	channelBufSize := cfg.ChannelBufSize
	if channelBufSize <= 0 {
		channelBufSize = 100
	}

	return &Consumer{
		consumer:        consumer,
		store:           store,
		executor:        executor,
		cfg:             cfg,
		logger:          logger.With("component", "queue.consumer"),
		numWorkers:      numWorkers,
		channelBufSize:  channelBufSize,
		drainTimeout:    defaultDrainTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// Start begins consuming wakeups. It blocks until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	msgCh, err := c.consumer.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.workerChans = make([]chan pubsub.Message, c.numWorkers)
	for i := 0; i < c.numWorkers; i++ {
		c.workerChans[i] = make(chan pubsub.Message, c.channelBufSize)
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}

	c.logger.Info("queue consumer started, waiting for operations", "num_workers", c.numWorkers)

	for msg := range msgCh {
		c.dispatch(msg)
	}
	// Channel closed means context is cancelled, proceed to shutdown

	c.logger.Info("stopping queue consumer")
	c.closing.Store(true)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer drainCancel()
	c.waitForDrain(drainCtx)

	for _, ch := range c.workerChans {
		close(ch)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
	defer shutdownCancel()

	select {
	case <-done:
		c.logger.Info("all queue workers stopped")
	case <-shutdownCtx.Done():
		c.logger.Warn("shutdown timeout exceeded, some workers may still be running")
	}
	return nil
}

func (c *Consumer) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if remaining := c.inFlightCount.Load(); remaining > 0 {
				c.logger.Warn("drain timeout, wakeups still in flight", "remaining", remaining)
			}
			return
		case <-ticker.C:
			if c.inFlightCount.Load() == 0 {
				return
			}
		}
	}
}

func (c *Consumer) dispatch(msg pubsub.Message) {
	c.inFlightCount.Add(1)
	defer c.inFlightCount.Add(-1)

	if c.closing.Load() {
		msg.Nak()
		return
	}

	var w wakeup
	if err := json.Unmarshal(msg.Data(), &w); err != nil {
		c.logger.Error("invalid wakeup payload", "error", err)
		msg.Term()
		return
	}

	h := fnv.New32a()
	h.Write([]byte(w.OrderingKey))
	workerIdx := int(h.Sum32() % uint32(c.numWorkers))

	c.workerChans[workerIdx] <- msg
}

func (c *Consumer) workerLoop(ctx context.Context, id int) {
	defer c.wg.Done()

	for msg := range c.workerChans[id] {
		c.handle(ctx, id, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, msg pubsub.Message) {
	var w wakeup
	if err := json.Unmarshal(msg.Data(), &w); err != nil {
		c.logger.Error("invalid wakeup payload", "worker_id", workerID, "error", err)
		msg.Term()
		return
	}

	op, err := c.store.Claim(ctx, w.OperationID)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrNotFound):
			// Purged or never persisted; nothing to run.
			msg.Term()
		case errors.Is(err, ErrNotClaimable):
			// Terminal, parked, cancelled or already running elsewhere.
			msg.Ack()
		case errors.Is(err, ErrNotOldest):
			msg.NakWithDelay(orderingRetryDelay)
		default:
			c.logger.Error("claim failed", "worker_id", workerID, "operation_id", w.OperationID, "error", err)
			msg.Nak()
		}
		return
	}

	c.logger.Info("processing operation",
		"worker_id", workerID,
		"operation_id", op.ID,
		"target", op.Target,
		"entity", op.TargetEntity,
		"key", op.TargetKey,
		"op", op.Op,
		"attempt", op.Attempts+1,
	)

	execErr := c.executor.Execute(ctx, op)
	if execErr == nil {
		applied, err := c.store.MarkSucceeded(ctx, op.ID)
		if err != nil {
			c.logger.Error("failed to record success", "operation_id", op.ID, "error", err)
			msg.Nak()
			return
		}
		if !applied {
			// A cancel raced the remote call; the write completed but
			// the result is discarded.
			c.logger.Info("operation finished after cancel, result discarded", "operation_id", op.ID)
		}
		msg.Ack()
		return
	}

	c.failAttempt(ctx, op, execErr, msg)
}

func (c *Consumer) failAttempt(ctx context.Context, op *types.SyncOperation, execErr error, msg pubsub.Message) {
	attempts := op.Attempts + 1
	dead := types.IsPermanent(execErr) || attempts >= c.cfg.MaxAttempts

	if err := c.store.MarkFailed(ctx, op.ID, execErr.Error(), dead); err != nil {
		c.logger.Error("failed to record failure", "operation_id", op.ID, "error", err)
		msg.Nak()
		return
	}

	if dead {
		c.logger.Error("operation dead",
			"operation_id", op.ID,
			"attempts", attempts,
			"max_attempts", c.cfg.MaxAttempts,
			"permanent", types.IsPermanent(execErr),
			"error", execErr,
		)
		msg.Term()
		return
	}

	backoff := c.backoff(attempts)
	c.logger.Warn("operation attempt failed, retrying",
		"operation_id", op.ID,
		"attempt", attempts,
		"max_attempts", c.cfg.MaxAttempts,
		"backoff", backoff,
		"error", execErr,
	)
	msg.NakWithDelay(backoff)
}

// backoff computes the exponential delay before the next attempt, with
// ±20% jitter so synchronized failures spread out.
func (c *Consumer) backoff(attempt int) time.Duration {
	initial := time.Duration(c.cfg.InitialBackoff)
	if initial <= 0 {
		initial = time.Second
	}

	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if maxBackoff := time.Duration(c.cfg.MaxBackoff); maxBackoff > 0 && backoff >= maxBackoff {
			backoff = maxBackoff
			break
		}
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(backoff) * jitter)
}
