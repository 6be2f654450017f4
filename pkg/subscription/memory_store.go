package subscription

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// MemoryStore is an in-memory Store for tests and local development.
// The mutex makes the conditional trial increment atomic, mirroring the
// storage-native guarantee of the Mongo implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]*Subscription)}
}

func cloneSub(sub *Subscription) *Subscription {
	cp := *sub
	cp.TrialUsage = maps.Clone(sub.TrialUsage)
	return &cp
}

// Get retrieves a subscription by user ID.
func (s *MemoryStore) Get(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSub(sub), nil
}

// Save creates or updates a subscription keyed by UserID.
func (s *MemoryStore) Save(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub.UpdatedAt = time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = sub.UpdatedAt
	}
	s.subs[sub.UserID] = cloneSub(sub)
	return nil
}

// IncrementTrialUsage applies the conditional increment under the store lock.
func (s *MemoryStore) IncrementTrialUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount, ceiling int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[userID]
	if !ok || !sub.HasActiveTrialAt(now) {
		return 0, ErrConditionNotMatched
	}

	current := sub.TrialUsedFor(usageType)
	if current+amount > ceiling {
		return 0, ErrConditionNotMatched
	}

	if sub.TrialUsage == nil {
		sub.TrialUsage = make(map[plan.UsageType]int64)
	}
	sub.TrialUsage[usageType] = current + amount
	sub.UpdatedAt = now.UTC()

	return sub.TrialUsage[usageType], nil
}
