package dedup

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	suppressionCollection = "dedup_suppressions"
	deliveryCollection    = "dedup_deliveries"
)

type dedupEntry struct {
	ID        string    `bson:"_id"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// MongoStore persists deduplication entries in MongoDB so suppression
// windows survive a process restart. A TTL index removes stale entries in
// the background; lookups still check expiry so TTL sweep latency never
// extends a window.
type MongoStore struct {
	suppressions *mongo.Collection
	deliveries   *mongo.Collection
}

// NewMongoStore creates the store over an existing database handle and
// ensures its indexes.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		suppressions: db.Collection(suppressionCollection),
		deliveries:   db.Collection(deliveryCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ttl := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := s.suppressions.Indexes().CreateOne(ctx, ttl); err != nil {
		return err
	}
	_, err := s.deliveries.Indexes().CreateOne(ctx, ttl)
	return err
}

func (s *MongoStore) PutSuppression(ctx context.Context, fingerprint string, expiresAt time.Time) error {
	_, err := s.suppressions.ReplaceOne(ctx,
		bson.M{"_id": fingerprint},
		dedupEntry{ID: fingerprint, ExpiresAt: expiresAt},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) ConsumeSuppression(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	var entry dedupEntry
	err := s.suppressions.FindOneAndDelete(ctx, bson.M{"_id": fingerprint}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return now.Before(entry.ExpiresAt), nil
}

func (s *MongoStore) PutDelivery(ctx context.Context, deliveryID string, expiresAt time.Time) (bool, error) {
	_, err := s.deliveries.InsertOne(ctx, dedupEntry{ID: deliveryID, ExpiresAt: expiresAt})
	if mongo.IsDuplicateKeyError(err) {
		return true, nil
	}
	return false, err
}

// Sweep removes expired entries eagerly; the TTL index covers anything a
// sweep misses.
func (s *MongoStore) Sweep(ctx context.Context, now time.Time) error {
	filter := bson.M{"expires_at": bson.M{"$lte": now}}
	if _, err := s.suppressions.DeleteMany(ctx, filter); err != nil {
		return err
	}
	_, err := s.deliveries.DeleteMany(ctx, filter)
	return err
}

func (s *MongoStore) Close(context.Context) error {
	return nil
}
