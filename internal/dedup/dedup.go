// Package dedup suppresses duplicate webhook deliveries and the echo
// webhooks caused by the engine's own remote writes.
//
// Suppression is time-boxed and therefore heuristic: an echo that arrives
// after the TTL causes one redundant but idempotent re-sync. An optional
// payload hash narrows the fingerprint so a legitimate same-key edit with
// different content is never suppressed.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"syncbridge/internal/sync/types"
)

// Store persists deduplication entries. Implementations must be safe for
// concurrent use and bound memory by the retention windows.
type Store interface {
	// PutSuppression records a suppression fingerprint until expiresAt.
	PutSuppression(ctx context.Context, fingerprint string, expiresAt time.Time) error
	// ConsumeSuppression checks for an unexpired fingerprint and removes
	// it, so one registration suppresses at most one echo.
	ConsumeSuppression(ctx context.Context, fingerprint string, now time.Time) (bool, error)
	// PutDelivery records a delivery id and reports whether it was
	// already present within the retention window.
	PutDelivery(ctx context.Context, deliveryID string, expiresAt time.Time) (alreadySeen bool, err error)
	// Sweep removes expired entries.
	Sweep(ctx context.Context, now time.Time) error
	Close(ctx context.Context) error
}

// Fingerprint derives the suppression key for a change. payload is hashed
// into the fingerprint only when withPayloadHash is set.
func Fingerprint(origin types.System, entityType, key string, op types.OpKind, payload types.Record, withPayloadHash bool) string {
	fp := string(origin) + "/" + entityType + "/" + key + "/" + string(op)
	if withPayloadHash && payload != nil {
		fp += "/" + strconv.FormatUint(payload.Hash(), 16)
	}
	return fp
}

// Options tune the deduplicator windows.
type Options struct {
	// SuppressionTTL must exceed the expected webhook round-trip latency
	// but stay short enough not to block legitimate same-key edits.
	SuppressionTTL time.Duration
	// DeliveryRetention bounds how long literal delivery ids are kept.
	DeliveryRetention time.Duration
	// SweepInterval is how often expired entries are actively removed.
	// Zero disables the sweeper; expiry is then lazy on lookup.
	SweepInterval time.Duration
	// PayloadHash includes a content hash in fingerprints.
	PayloadHash bool
}

// Deduplicator is the engine's gate against re-processing.
type Deduplicator struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// New creates a deduplicator over the given store.
func New(store Store, opts Options, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{store: store, opts: opts, logger: logger.With("component", "dedup")}
}

// RegisterDelivery records a webhook delivery id and reports whether the
// same id was already seen within the retention window. Events without a
// delivery id are never literal duplicates.
func (d *Deduplicator) RegisterDelivery(ctx context.Context, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return false, nil
	}
	seen, err := d.store.PutDelivery(ctx, deliveryID, time.Now().Add(d.opts.DeliveryRetention))
	if err != nil {
		return false, fmt.Errorf("register delivery: %w", err)
	}
	if seen {
		d.logger.Debug("duplicate delivery dropped", "delivery_id", deliveryID)
	}
	return seen, nil
}

// ShouldSuppress checks whether the fingerprint matches a registered
// suppression. A match consumes the entry.
func (d *Deduplicator) ShouldSuppress(ctx context.Context, fingerprint string) (bool, error) {
	hit, err := d.store.ConsumeSuppression(ctx, fingerprint, time.Now())
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	if hit {
		d.logger.Debug("echo event suppressed", "fingerprint", fingerprint)
	}
	return hit, nil
}

// RegisterSuppression records a fingerprint for the echo webhook the next
// remote write is expected to trigger.
func (d *Deduplicator) RegisterSuppression(ctx context.Context, fingerprint string) error {
	if err := d.store.PutSuppression(ctx, fingerprint, time.Now().Add(d.opts.SuppressionTTL)); err != nil {
		return fmt.Errorf("register suppression: %w", err)
	}
	return nil
}

// FingerprintFor derives the fingerprint for a change per the configured
// payload-hash policy.
func (d *Deduplicator) FingerprintFor(origin types.System, entityType, key string, op types.OpKind, payload types.Record) string {
	return Fingerprint(origin, entityType, key, op, payload, d.opts.PayloadHash)
}

// Run sweeps expired entries until the context is cancelled.
func (d *Deduplicator) Run(ctx context.Context) {
	if d.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := d.store.Sweep(ctx, now); err != nil && ctx.Err() == nil {
				d.logger.Warn("dedup sweep failed", "error", err)
			}
		}
	}
}
