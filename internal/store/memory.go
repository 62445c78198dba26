package store

import (
	"context"
	"sync"
	"time"

	"github.com/feedpacer/feedpacer/internal/model"
)

// MemoryLockStore implements LockStore in process memory. Suitable for
// tests and single-process runs only: it cannot arbitrate between OS
// processes.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]*model.Lock
}

// NewMemoryLockStore creates a new in-memory lock store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]*model.Lock)}
}

// Acquire claims the lock under a single mutex, mirroring the atomic
// conditional insert of the SQL backends.
func (s *MemoryLockStore) Acquire(ctx context.Context, resourceID, holderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locks[resourceID]; exists {
		return false, nil
	}
	s.locks[resourceID] = &model.Lock{
		ResourceID: resourceID,
		HolderID:   holderID,
		AcquiredAt: at,
	}
	return true, nil
}

// Release deletes the lock if holderID matches.
func (s *MemoryLockStore) Release(ctx context.Context, resourceID, holderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.locks[resourceID]
	if !exists || lock.HolderID != holderID {
		return false, nil
	}
	delete(s.locks, resourceID)
	return true, nil
}

// Get returns the live lock for resourceID.
func (s *MemoryLockStore) Get(ctx context.Context, resourceID string) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.locks[resourceID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *lock
	return &copied, nil
}

// List returns every live lock.
func (s *MemoryLockStore) List(ctx context.Context) ([]*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks := make([]*model.Lock, 0, len(s.locks))
	for _, lock := range s.locks {
		copied := *lock
		locks = append(locks, &copied)
	}
	return locks, nil
}

// ClearAll deletes every lock.
func (s *MemoryLockStore) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.locks)
	s.locks = make(map[string]*model.Lock)
	return n, nil
}

// MemoryRateStore implements RateStore in process memory.
type MemoryRateStore struct {
	mu      sync.Mutex
	windows map[string]*model.RateWindow
}

// NewMemoryRateStore creates a new in-memory rate store.
func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{windows: make(map[string]*model.RateWindow)}
}

func rateKey(resourceID string, windowStart time.Time) string {
	return resourceID + "|" + windowStart.UTC().Format(time.RFC3339)
}

// IncrementIfBelow atomically increments the window counter when it is
// below limit.
func (s *MemoryRateStore) IncrementIfBelow(ctx context.Context, resourceID string, windowStart time.Time, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rateKey(resourceID, windowStart)
	window, exists := s.windows[key]
	if !exists {
		window = &model.RateWindow{ResourceID: resourceID, WindowStart: windowStart}
		s.windows[key] = window
	}

	if window.RequestCount >= limit {
		return window.RequestCount, false, nil
	}
	window.RequestCount++
	return window.RequestCount, true, nil
}

// Window returns the counter row for (resourceID, windowStart).
func (s *MemoryRateStore) Window(ctx context.Context, resourceID string, windowStart time.Time) (*model.RateWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window, exists := s.windows[rateKey(resourceID, windowStart)]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *window
	return &copied, nil
}

// MemorySeenStore implements SeenStore in process memory.
type MemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemorySeenStore creates a new in-memory seen store.
func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{seen: make(map[string]time.Time)}
}

// Seen reports whether the target was already processed.
func (s *MemorySeenStore) Seen(ctx context.Context, resourceID, targetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, exists := s.seen[resourceID+"|"+targetID]
	if !exists {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(s.seen, resourceID+"|"+targetID)
		return false, nil
	}
	return true, nil
}

// MarkSeen records the target as processed with a TTL.
func (s *MemorySeenStore) MarkSeen(ctx context.Context, resourceID, targetID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen[resourceID+"|"+targetID] = time.Now().Add(ttl)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemorySeenStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemorySeenStore) Close() error {
	return nil
}
