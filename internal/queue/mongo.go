package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"syncbridge/internal/sync/types"
)

const (
	opsCollection      = "sync_operations"
	countersCollection = "sync_counters"
	seqCounterID       = "operation_seq"
)

// opDoc is the persisted shape of a SyncOperation. Payloads are stored as
// plain maps; tagged values convert at this boundary.
type opDoc struct {
	ID            string         `bson:"_id"`
	EventID       string         `bson:"event_id"`
	Source        types.System   `bson:"source"`
	Target        types.System   `bson:"target"`
	SourceEntity  string         `bson:"source_entity"`
	TargetEntity  string         `bson:"target_entity"`
	TargetKey     string         `bson:"target_key"`
	OrderingKey   string         `bson:"ordering_key"`
	Op            types.OpKind   `bson:"op"`
	Payload       map[string]any `bson:"payload,omitempty"`
	SourcePayload map[string]any `bson:"source_payload,omitempty"`
	Status        types.OpStatus `bson:"status"`
	Attempts      int            `bson:"attempts"`
	LastError     string         `bson:"last_error,omitempty"`
	Conflict      *conflictDoc   `bson:"conflict,omitempty"`
	Seq           int64          `bson:"seq"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
}

type conflictDoc struct {
	Strategy      string         `bson:"strategy"`
	Winner        types.System   `bson:"winner"`
	WinnerModTime time.Time      `bson:"winner_mod_time"`
	LosingPayload map[string]any `bson:"losing_payload,omitempty"`
}

func toDoc(op *types.SyncOperation) *opDoc {
	doc := &opDoc{
		ID:            op.ID,
		EventID:       op.EventID,
		Source:        op.Source,
		Target:        op.Target,
		SourceEntity:  op.SourceEntity,
		TargetEntity:  op.TargetEntity,
		TargetKey:     op.TargetKey,
		OrderingKey:   op.OrderingKey(),
		Op:            op.Op,
		Payload:       op.Payload.Native(),
		SourcePayload: op.SourcePayload.Native(),
		Status:        op.Status,
		Attempts:      op.Attempts,
		LastError:     op.LastError,
		Seq:           op.Seq,
		CreatedAt:     op.CreatedAt,
		UpdatedAt:     op.UpdatedAt,
	}
	if op.Conflict != nil {
		doc.Conflict = &conflictDoc{
			Strategy:      op.Conflict.Strategy,
			Winner:        op.Conflict.Winner,
			WinnerModTime: op.Conflict.WinnerModTime,
			LosingPayload: op.Conflict.LosingPayload.Native(),
		}
	}
	return doc
}

func fromDoc(doc *opDoc) *types.SyncOperation {
	op := &types.SyncOperation{
		ID:            doc.ID,
		EventID:       doc.EventID,
		Source:        doc.Source,
		Target:        doc.Target,
		SourceEntity:  doc.SourceEntity,
		TargetEntity:  doc.TargetEntity,
		TargetKey:     doc.TargetKey,
		Op:            doc.Op,
		Payload:       types.RecordFromNative(doc.Payload),
		SourcePayload: types.RecordFromNative(doc.SourcePayload),
		Status:        doc.Status,
		Attempts:      doc.Attempts,
		LastError:     doc.LastError,
		Seq:           doc.Seq,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if doc.Conflict != nil {
		op.Conflict = &types.ConflictNote{
			Strategy:      doc.Conflict.Strategy,
			Winner:        doc.Conflict.Winner,
			WinnerModTime: doc.Conflict.WinnerModTime,
			LosingPayload: types.RecordFromNative(doc.Conflict.LosingPayload),
		}
	}
	return op
}

// MongoStore persists operations in MongoDB so pending work survives a
// process restart. Sequence numbers come from an atomic counter document.
type MongoStore struct {
	ops      *mongo.Collection
	counters *mongo.Collection
}

// NewMongoStore creates the store over an existing database handle and
// ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		ops:      db.Collection(opsCollection),
		counters: db.Collection(countersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ordering_key", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
	}
	_, err := s.ops.Indexes().CreateMany(ctx, models)
	return err
}

func (s *MongoStore) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": seqCounterID},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return counter.Value, nil
}

func (s *MongoStore) Insert(ctx context.Context, op *types.SyncOperation) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	op.Seq = seq
	now := time.Now()
	op.CreatedAt = now
	op.UpdatedAt = now

	_, err = s.ops.InsertOne(ctx, toDoc(op))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	return err
}

func (s *MongoStore) Get(ctx context.Context, id string) (*types.SyncOperation, error) {
	var doc opDoc
	err := s.ops.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(&doc), nil
}

func (s *MongoStore) List(ctx context.Context, filter ListFilter) ([]*types.SyncOperation, error) {
	query := bson.M{}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.Target != "" {
		query["target"] = filter.Target
	}
	if filter.EntityType != "" {
		query["target_entity"] = filter.EntityType
	}

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.ops.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*types.SyncOperation
	for cursor.Next(ctx) {
		var doc opDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDoc(&doc))
	}
	return out, cursor.Err()
}

func (s *MongoStore) Claim(ctx context.Context, id string) (*types.SyncOperation, error) {
	var doc opDoc
	err := s.ops.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if doc.Status != types.StatusPending && doc.Status != types.StatusFailed {
		return nil, fmt.Errorf("operation %s in status %s: %w", id, doc.Status, ErrNotClaimable)
	}

	// Ordering guard: any earlier outstanding operation on the same key
	// blocks this one. Parked operations do not block; resolution
	// re-enqueues them at the tail.
	blocking, err := s.ops.CountDocuments(ctx, bson.M{
		"ordering_key": doc.OrderingKey,
		"seq":          bson.M{"$lt": doc.Seq},
		"status": bson.M{"$in": []types.OpStatus{
			types.StatusPending, types.StatusInProgress, types.StatusFailed,
		}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return nil, err
	}
	if blocking > 0 {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotOldest)
	}

	var claimed opDoc
	err = s.ops.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []types.OpStatus{types.StatusPending, types.StatusFailed}}},
		bson.M{"$set": bson.M{"status": types.StatusInProgress, "updated_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&claimed)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Raced with another worker or a cancel.
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotClaimable)
	}
	if err != nil {
		return nil, err
	}
	return fromDoc(&claimed), nil
}

func (s *MongoStore) MarkSucceeded(ctx context.Context, id string) (bool, error) {
	res, err := s.ops.UpdateOne(ctx,
		bson.M{"_id": id, "status": types.StatusInProgress},
		bson.M{"$set": bson.M{
			"status":     types.StatusSucceeded,
			"last_error": "",
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, errMsg string, dead bool) error {
	status := types.StatusFailed
	if dead {
		status = types.StatusDead
	}
	res, err := s.ops.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{"status": status, "last_error": errMsg, "updated_at": time.Now()},
			"$inc": bson.M{"attempts": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, expected []types.OpStatus, next types.OpStatus) (bool, error) {
	res, err := s.ops.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": expected}},
		bson.M{"$set": bson.M{"status": next, "updated_at": time.Now()}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) Requeue(ctx context.Context, id string, payload types.Record, conflict *types.ConflictNote) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}

	set := bson.M{
		"status":     types.StatusPending,
		"attempts":   0,
		"last_error": "",
		"seq":        seq,
		"updated_at": time.Now(),
	}
	if payload != nil {
		set["payload"] = payload.Native()
	}
	if conflict != nil {
		set["conflict"] = &conflictDoc{
			Strategy:      conflict.Strategy,
			Winner:        conflict.Winner,
			WinnerModTime: conflict.WinnerModTime,
			LosingPayload: conflict.LosingPayload.Native(),
		}
	}

	res, err := s.ops.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("operation %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *MongoStore) ListRecoverable(ctx context.Context, staleBefore time.Time) ([]*types.SyncOperation, error) {
	query := bson.M{"$or": []bson.M{
		{"status": bson.M{"$in": []types.OpStatus{types.StatusPending, types.StatusFailed}}},
		{"status": types.StatusInProgress, "updated_at": bson.M{"$lt": staleBefore}},
	}}

	cursor, err := s.ops.Find(ctx, query, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*types.SyncOperation
	for cursor.Next(ctx) {
		var doc opDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, fromDoc(&doc))
	}
	return out, cursor.Err()
}

func (s *MongoStore) CountByStatus(ctx context.Context) (map[types.OpStatus]int64, error) {
	cursor, err := s.ops.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make(map[types.OpStatus]int64)
	for cursor.Next(ctx) {
		var row struct {
			Status types.OpStatus `bson:"_id"`
			Count  int64          `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		out[row.Status] = row.Count
	}
	return out, cursor.Err()
}

func (s *MongoStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.ops.DeleteMany(ctx, bson.M{
		"status": bson.M{"$in": []types.OpStatus{
			types.StatusSucceeded, types.StatusDead, types.StatusCancelled, types.StatusPendingManual,
		}},
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Close(context.Context) error {
	return nil
}
