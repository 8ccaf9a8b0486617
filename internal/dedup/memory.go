package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps deduplication entries in two in-process maps. Expiry is
// lazy on lookup plus whatever sweeping the deduplicator schedules.
type MemoryStore struct {
	mu           sync.Mutex
	suppressions map[string]time.Time
	deliveries   map[string]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		suppressions: make(map[string]time.Time),
		deliveries:   make(map[string]time.Time),
	}
}

func (s *MemoryStore) PutSuppression(_ context.Context, fingerprint string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressions[fingerprint] = expiresAt
	return nil
}

func (s *MemoryStore) ConsumeSuppression(_ context.Context, fingerprint string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.suppressions[fingerprint]
	if !ok {
		return false, nil
	}
	delete(s.suppressions, fingerprint)
	return now.Before(expiresAt), nil
}

func (s *MemoryStore) PutDelivery(_ context.Context, deliveryID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.deliveries[deliveryID]; ok && time.Now().Before(prev) {
		return true, nil
	}
	s.deliveries[deliveryID] = expiresAt
	return false, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fp, exp := range s.suppressions {
		if !now.Before(exp) {
			delete(s.suppressions, fp)
		}
	}
	for id, exp := range s.deliveries {
		if !now.Before(exp) {
			delete(s.deliveries, id)
		}
	}
	return nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
