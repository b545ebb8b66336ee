package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process cooldown store for tests and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lastSeen: make(map[string]time.Time),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, key string, cooldown time.Duration) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if last, ok := s.lastSeen[key]; ok {
		elapsed := now.Sub(last)
		if elapsed < cooldown {
			return Decision{Allowed: false, RetryAfter: cooldown - elapsed}, nil
		}
	}
	s.lastSeen[key] = now
	return Decision{Allowed: true}, nil
}
