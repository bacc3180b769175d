package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process memory. Counters are per process, so
// it is only suitable for a single instance or local development.
type MemoryStore struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type bucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates a store that sweeps expired counters every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:     make(map[string]*bucket),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

// IncrementAndGet implements Store.
func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok || !now.Before(b.expiresAt) {
		b = &bucket{expiresAt: now.Add(window)}
		s.buckets[key] = b
	}
	b.count++
	return b.count, b.expiresAt.Sub(now), nil
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for k, b := range s.buckets {
				if !now.Before(b.expiresAt) {
					delete(s.buckets, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
