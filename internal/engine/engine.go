// Package engine orchestrates the sync core: it consumes normalized change
// events, gates them through the deduplicator, resolves concurrent edits,
// maps payloads and hands operations to the queue.
//
// The engine holds no mutable state beyond the loaded mapping set; it is
// safe to call from concurrent webhook handlers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"syncbridge/internal/config"
	"syncbridge/internal/dedup"
	"syncbridge/internal/mapping"
	"syncbridge/internal/queue"
	"syncbridge/internal/remote"
	"syncbridge/internal/resolver"
	"syncbridge/internal/sync/types"
)

// Outcome classifies what HandleIncomingEvent did with an event. Every
// event gets an explicit outcome; there is no silent drop.
type Outcome string

const (
	// OutcomeEnqueued means a sync operation was created and queued.
	OutcomeEnqueued Outcome = "enqueued"
	// OutcomeDuplicate means the delivery id was already seen.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSuppressed means the event matched an echo fingerprint.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeIgnored means no active mapping covers the event, or its
	// filter rejected it.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeSuperseded means conflict resolution decided the other
	// side's concurrent edit wins; the other side's own event carries
	// the winning operation.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeParked means a manual-strategy conflict awaits an external
	// decision.
	OutcomeParked Outcome = "parked"
)

// Result is the outcome of handling one event. OperationID is set for
// enqueued and parked outcomes.
type Result struct {
	Outcome     Outcome `json:"outcome"`
	OperationID string  `json:"operationId,omitempty"`
}

// Engine wires the sync core together.
type Engine struct {
	registry *mapping.Registry
	mapper   *mapping.Mapper
	filter   *mapping.FilterEvaluator
	dedup    *dedup.Deduplicator
	queue    *queue.Queue
	stores   remote.Stores

	overlapWindow time.Duration
	logger        *slog.Logger
}

// New creates the engine.
func New(
	registry *mapping.Registry,
	mapper *mapping.Mapper,
	filter *mapping.FilterEvaluator,
	dd *dedup.Deduplicator,
	q *queue.Queue,
	stores remote.Stores,
	cfg config.EngineConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:      registry,
		mapper:        mapper,
		filter:        filter,
		dedup:         dd,
		queue:         q,
		stores:        stores,
		overlapWindow: time.Duration(cfg.OverlapWindow),
		logger:        logger.With("component", "engine"),
	}
}

// HandleIncomingEvent runs one event through the sync pipeline. A non-nil
// error means intake failed (bad event or unavailable backing store); the
// transport layer should surface it so the sender redelivers.
func (e *Engine) HandleIncomingEvent(ctx context.Context, event *types.ChangeEvent) (Result, error) {
	if err := validateEvent(event); err != nil {
		return Result{}, err
	}

	log := e.logger.With(
		"event_id", event.ID,
		"origin", event.Origin,
		"entity", event.EntityType,
		"key", event.Key,
		"op", event.Op,
	)

	mp, ok := e.registry.Snapshot().ForOrigin(event.Origin, event.EntityType)
	if !ok {
		log.Debug("no active mapping for event, acknowledged and ignored")
		return Result{Outcome: OutcomeIgnored}, nil
	}

	// Literal-duplicate gate: the same delivery re-sent by the remote
	// system is dropped with no side effects.
	dup, err := e.dedup.RegisterDelivery(ctx, event.DeliveryID)
	if err != nil {
		return Result{}, types.Fatal(err)
	}
	if dup {
		log.Info("duplicate delivery dropped", "delivery_id", event.DeliveryID)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	// Feedback-loop gate: an echo of our own recent write is dropped.
	fp := e.dedup.FingerprintFor(event.Origin, event.EntityType, event.Key, event.Op, event.Payload)
	suppressed, err := e.dedup.ShouldSuppress(ctx, fp)
	if err != nil {
		return Result{}, types.Fatal(err)
	}
	if suppressed {
		log.Info("echo event suppressed")
		return Result{Outcome: OutcomeSuppressed}, nil
	}

	match, err := e.filter.Matches(mp, event)
	if err != nil {
		return Result{}, fmt.Errorf("filter for mapping %q: %w", mp.Name, err)
	}
	if !match {
		log.Debug("event rejected by mapping filter")
		return Result{Outcome: OutcomeIgnored}, nil
	}

	target := event.Origin.Other()
	op := &types.SyncOperation{
		EventID:       event.ID,
		Source:        event.Origin,
		Target:        target,
		SourceEntity:  event.EntityType,
		TargetEntity:  mp.EntityFor(target),
		TargetKey:     event.Key,
		Op:            event.Op,
		SourcePayload: event.Payload,
	}

	// Conflict resolution applies only when changes flow both ways and
	// the other side may have been modified concurrently.
	var decision *resolver.Decision
	if mp.Bidirectional() && event.Op != types.OpDelete {
		decision, err = e.resolveOverlap(ctx, mp, event, op, log)
		if err != nil {
			return Result{}, err
		}
		if decision != nil {
			if decision.Manual {
				return e.parkManualConflict(ctx, mp, event, op, log)
			}
			if decision.Winner != event.Origin {
				log.Info("incoming event superseded by concurrent edit",
					"winner", decision.Winner, "winner_mod_time", decision.WinnerModTime)
				return Result{Outcome: OutcomeSuperseded}, nil
			}
			op.Conflict = decision.Note()
		}
	}

	if err := e.mapPayload(ctx, mp, event, op); err != nil {
		return e.recordMappingFailure(ctx, op, err, log)
	}

	// Register the echo fingerprint before the write that causes it.
	echoFP := e.dedup.FingerprintFor(target, op.TargetEntity, op.TargetKey, op.Op, op.Payload)
	if err := e.dedup.RegisterSuppression(ctx, echoFP); err != nil {
		return Result{}, types.Fatal(err)
	}

	id, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeEnqueued, OperationID: id}, nil
}

func validateEvent(event *types.ChangeEvent) error {
	switch {
	case event == nil:
		return errors.New("nil event")
	case !event.Origin.IsValid():
		return fmt.Errorf("invalid origin %q", event.Origin)
	case event.EntityType == "":
		return errors.New("event has no entity type")
	case event.Key == "":
		return errors.New("event has no key")
	case !event.Op.IsValid():
		return fmt.Errorf("invalid operation kind %q", event.Op)
	default:
		return nil
	}
}

// mapPayload fills op.Payload with the target-schema record. The target
// key field is always carried so remote creates land under the right key.
func (e *Engine) mapPayload(ctx context.Context, mp *mapping.SyncMapping, event *types.ChangeEvent, op *types.SyncOperation) error {
	if event.Op == types.OpDelete {
		return nil
	}
	mapped, err := e.mapper.MapFrom(ctx, mp, event.Origin, event.Payload)
	if err != nil {
		return err
	}
	mapped[mp.KeyFieldFor(op.Target)] = types.String(op.TargetKey)
	op.Payload = mapped
	return nil
}

// resolveOverlap fetches the target-side record and, when both sides
// changed within the overlap window, resolves the conflict. A nil decision
// means the incoming side is provably the most recent writer.
func (e *Engine) resolveOverlap(ctx context.Context, mp *mapping.SyncMapping, event *types.ChangeEvent, op *types.SyncOperation, log *slog.Logger) (*resolver.Decision, error) {
	store := e.stores.For(op.Target)
	if store == nil {
		return nil, nil
	}

	otherRec, err := store.Get(ctx, op.TargetEntity, op.TargetKey)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// Nothing on the other side; a create flows through, an
			// update becomes a create.
			if op.Op == types.OpUpdate {
				op.Op = types.OpCreate
			}
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s %s/%s for overlap check: %w", op.Target, op.TargetEntity, op.TargetKey, err)
	}

	// The record exists, so a replayed create is an update.
	if op.Op == types.OpCreate {
		op.Op = types.OpUpdate
	}

	otherModTime, ok := modTimeOf(otherRec, mp.ModifiedFieldFor(op.Target))
	if !ok {
		// No usable timestamp on the other side; the incoming event
		// cannot be proven stale, let it through.
		return nil, nil
	}

	// The incoming side is provably the most recent writer only when its
	// timestamp leads by more than the overlap window.
	if event.Timestamp.Sub(otherModTime) > e.overlapWindow {
		return nil, nil
	}

	in := resolver.Input{Strategy: mp.Strategy}
	incoming := resolver.Side{System: event.Origin, ModifiedAt: event.Timestamp, Payload: event.Payload}
	other := resolver.Side{System: op.Target, ModifiedAt: otherModTime, Payload: otherRec}
	if event.Origin == types.SystemDoc {
		in.Source, in.Target = incoming, other
	} else {
		in.Source, in.Target = other, incoming
	}

	d := resolver.Resolve(in)
	log.Info("concurrent edit detected",
		"strategy", mp.Strategy,
		"incoming_mod_time", event.Timestamp,
		"other_mod_time", otherModTime,
		"winner", d.Winner,
		"manual", d.Manual,
	)
	return &d, nil
}

// parkManualConflict stores the operation as pending_manual for an
// external decision. Parked operations never block other work on the key
// and re-enter the queue at the tail once resolved.
func (e *Engine) parkManualConflict(ctx context.Context, mp *mapping.SyncMapping, event *types.ChangeEvent, op *types.SyncOperation, log *slog.Logger) (Result, error) {
	// Best effort mapping so the parked operation is ready to run once a
	// resolver picks the incoming side. A mapping failure leaves only
	// the source payload; resolution re-maps.
	if err := e.mapPayload(ctx, mp, event, op); err != nil {
		log.Warn("mapping failed for parked conflict, deferring to resolution", "error", err)
		op.Payload = nil
	}
	op.Status = types.StatusPendingManual
	op.Conflict = &types.ConflictNote{Strategy: string(resolver.Manual)}

	id, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return Result{}, err
	}
	log.Info("conflict parked for manual resolution", "operation_id", id)
	return Result{Outcome: OutcomeParked, OperationID: id}, nil
}

// recordMappingFailure persists a failed or dead operation for a mapping
// error, so the event still yields an observable operation record. The
// source payload is retained for a later re-map.
func (e *Engine) recordMappingFailure(ctx context.Context, op *types.SyncOperation, mapErr error, log *slog.Logger) (Result, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.Attempts = 1
	op.LastError = mapErr.Error()

	dead := types.IsPermanent(mapErr)
	if dead {
		op.Status = types.StatusDead
	} else {
		op.Status = types.StatusFailed
	}

	// Inserted directly: no wakeup, nothing to execute until a retry
	// re-maps the payload.
	if err := e.queue.Store().Insert(ctx, op); err != nil {
		return Result{}, types.Fatal(err)
	}

	if dead {
		log.Error("mapping failed permanently, operation dead", "operation_id", op.ID, "error", mapErr)
	} else {
		log.Warn("mapping failed transiently, operation awaiting retry", "operation_id", op.ID, "error", mapErr)
	}
	return Result{Outcome: OutcomeEnqueued, OperationID: op.ID}, nil
}

// GetOperation returns one operation by id.
func (e *Engine) GetOperation(ctx context.Context, id string) (*types.SyncOperation, error) {
	return e.queue.Get(ctx, id)
}

// ListFailedOperations returns failed, dead and parked operations.
func (e *Engine) ListFailedOperations(ctx context.Context) ([]*types.SyncOperation, error) {
	return e.queue.ListFailed(ctx)
}

// ListOperations returns operations matching the filter.
func (e *Engine) ListOperations(ctx context.Context, filter queue.ListFilter) ([]*types.SyncOperation, error) {
	return e.queue.List(ctx, filter)
}

// RetryFailed resubmits a failed or dead operation. Operations whose
// mapping never succeeded are re-mapped from the retained source payload
// first.
func (e *Engine) RetryFailed(ctx context.Context, id string) error {
	op, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}

	if op.Payload == nil && op.Op != types.OpDelete {
		mp, ok := e.registry.Snapshot().ForOrigin(op.Source, op.SourceEntity)
		if !ok {
			return fmt.Errorf("operation %s: no active mapping for %s/%s", id, op.Source, op.SourceEntity)
		}
		mapped, err := e.mapper.MapFrom(ctx, mp, op.Source, op.SourcePayload)
		if err != nil {
			return fmt.Errorf("operation %s: re-mapping failed: %w", id, err)
		}
		mapped[mp.KeyFieldFor(op.Target)] = types.String(op.TargetKey)
		return e.queue.RetryWithPayload(ctx, id, mapped)
	}

	return e.queue.Retry(ctx, id)
}

// CancelOperation cancels a not-yet-finished operation.
func (e *Engine) CancelOperation(ctx context.Context, id string) error {
	return e.queue.Cancel(ctx, id)
}

// ResolveConflict exits a parked manual conflict. Picking the incoming
// side re-enqueues the operation with its mapped payload; picking the
// other side keeps the target as is and cancels the operation.
func (e *Engine) ResolveConflict(ctx context.Context, id string, winner types.System) error {
	op, err := e.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != types.StatusPendingManual {
		return fmt.Errorf("operation %s in status %s is not awaiting manual resolution", id, op.Status)
	}
	if !winner.IsValid() {
		return fmt.Errorf("invalid winner %q", winner)
	}

	if winner != op.Source {
		// The other side's state stands; discard the incoming change.
		e.logger.Info("manual conflict resolved for existing state", "operation_id", id, "winner", winner)
		return e.queue.Cancel(ctx, id)
	}

	payload := op.Payload
	if payload == nil && op.Op != types.OpDelete {
		mp, ok := e.registry.Snapshot().ForOrigin(op.Source, op.SourceEntity)
		if !ok {
			return fmt.Errorf("operation %s: no active mapping for %s/%s", id, op.Source, op.SourceEntity)
		}
		payload, err = e.mapper.MapFrom(ctx, mp, op.Source, op.SourcePayload)
		if err != nil {
			return fmt.Errorf("operation %s: mapping failed during resolution: %w", id, err)
		}
		payload[mp.KeyFieldFor(op.Target)] = types.String(op.TargetKey)
	}
	return e.queue.ResolveManual(ctx, id, winner, payload)
}

// Mappings returns the active mapping set.
func (e *Engine) Mappings() *mapping.Set {
	return e.registry.Snapshot()
}

// ReloadMappings re-reads the mapping file, compiles every filter, and
// swaps the active set. Any error keeps the previous set active.
func (e *Engine) ReloadMappings(path string) error {
	mappings, err := mapping.LoadMappingsFromFile(path)
	if err != nil {
		return err
	}
	for _, mp := range mappings {
		if err := e.filter.CheckFilter(mp.Filter); err != nil {
			return fmt.Errorf("mapping %q: %w", mp.Name, err)
		}
	}
	set, err := mapping.NewSet(mappings)
	if err != nil {
		return err
	}
	e.registry.Replace(set)
	e.logger.Info("mapping set reloaded", "mappings", set.Len())
	return nil
}

// QueueStats returns operation counts by status.
func (e *Engine) QueueStats(ctx context.Context) (map[types.OpStatus]int64, error) {
	return e.queue.Stats(ctx)
}

// modTimeOf extracts a modification timestamp from a record field.
func modTimeOf(rec types.Record, field string) (time.Time, bool) {
	if field == "" {
		return time.Time{}, false
	}
	v, ok := rec[field]
	if !ok {
		return time.Time{}, false
	}
	switch v.Kind {
	case types.KindTime:
		return v.Time, true
	case types.KindString:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999",
			"2006-01-02 15:04:05",
		} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
