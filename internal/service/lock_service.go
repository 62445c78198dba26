package service

import (
	"context"
	"fmt"
	"time"

	"github.com/feedpacer/feedpacer/internal/errcode"
	"github.com/feedpacer/feedpacer/internal/metrics"
	"github.com/feedpacer/feedpacer/internal/store"
	"go.uber.org/zap"
)

// LockService arbitrates per-resource session locks through the shared
// persistent store. Sessions run as separate OS processes, so the lock
// cannot live in process memory; the store's uniqueness constraint is
// the only arbiter.
//
// Staleness is a policy decision left to operators: a lock's age alone
// cannot prove its holder is dead, so the service reports ages via
// ListLocks and leaves ForceClearAll as the recovery path.
type LockService struct {
	lockStore store.LockStore
	clock     func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewLockService creates a new lock service.
func NewLockService(lockStore store.LockStore, m *metrics.Metrics, logger *zap.Logger) *LockService {
	return &LockService{
		lockStore: lockStore,
		clock:     time.Now,
		metrics:   m,
		logger:    logger,
	}
}

// WithClock overrides the time source. Used by tests.
func (s *LockService) WithClock(clock func() time.Time) *LockService {
	s.clock = clock
	return s
}

// Acquire attempts to take the lock for resourceID on behalf of
// holderID. A held lock is reported as an errcode.CodeLockBusy error
// naming the contending holder; it is a routine "busy" outcome for the
// caller, never silently swallowed.
func (s *LockService) Acquire(ctx context.Context, resourceID, holderID string) error {
	acquired, err := s.lockStore.Acquire(ctx, resourceID, holderID, s.clock())
	if err != nil {
		s.metrics.RecordLockAcquire("error")
		return errcode.StoreUnavailable("lock.acquire", err)
	}

	if !acquired {
		s.metrics.RecordLockAcquire("busy")
		holder, heldFor := s.describeHolder(ctx, resourceID)
		s.logger.Warn("Lock busy",
			zap.String("resource_id", resourceID),
			zap.String("holder_id", holder),
			zap.Duration("held_for", heldFor))
		return errcode.LockBusy(resourceID, holder, heldFor)
	}

	s.metrics.RecordLockAcquire("acquired")
	s.logger.Info("Lock acquired",
		zap.String("resource_id", resourceID),
		zap.String("holder_id", holderID))
	return nil
}

// describeHolder fetches the contending lock for the busy message. A
// concurrent release between the failed acquire and this read leaves
// the holder unknown; that only degrades the message.
func (s *LockService) describeHolder(ctx context.Context, resourceID string) (string, time.Duration) {
	lock, err := s.lockStore.Get(ctx, resourceID)
	if err != nil {
		return "unknown", 0
	}
	return lock.HolderID, lock.Age(s.clock())
}

// Release gives up the lock. Idempotent: releasing an absent or
// differently-held lock is a logged no-op.
func (s *LockService) Release(ctx context.Context, resourceID, holderID string) error {
	released, err := s.lockStore.Release(ctx, resourceID, holderID)
	if err != nil {
		return errcode.StoreUnavailable("lock.release", err)
	}

	if released {
		s.logger.Info("Lock released", zap.String("resource_id", resourceID))
	} else {
		s.logger.Debug("Release was a no-op",
			zap.String("resource_id", resourceID),
			zap.String("holder_id", holderID))
	}
	return nil
}

// IsLocked reports whether a live lock exists for resourceID.
func (s *LockService) IsLocked(ctx context.Context, resourceID string) (bool, error) {
	_, err := s.lockStore.Get(ctx, resourceID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errcode.StoreUnavailable("lock.get", err)
	}
	return true, nil
}

// LockInfo describes a live lock for observability.
type LockInfo struct {
	ResourceID string
	HolderID   string
	Age        time.Duration
}

// ListLocks returns every live lock with its age, for staleness
// diagnosis.
func (s *LockService) ListLocks(ctx context.Context) ([]LockInfo, error) {
	locks, err := s.lockStore.List(ctx)
	if err != nil {
		return nil, errcode.StoreUnavailable("lock.list", err)
	}

	now := s.clock()
	infos := make([]LockInfo, 0, len(locks))
	for _, lock := range locks {
		infos = append(infos, LockInfo{
			ResourceID: lock.ResourceID,
			HolderID:   lock.HolderID,
			Age:        lock.Age(now),
		})
	}
	return infos, nil
}

// ForceClearAll deletes every lock. Crash-recovery tooling only; a
// cleared lock whose holder is still alive breaks mutual exclusion.
func (s *LockService) ForceClearAll(ctx context.Context) (int, error) {
	n, err := s.lockStore.ClearAll(ctx)
	if err != nil {
		return 0, errcode.StoreUnavailable("lock.clear_all", err)
	}

	s.metrics.RecordLocksCleared(n)
	s.logger.Warn("Force-cleared all locks", zap.Int("count", n))
	return n, nil
}

// HolderID builds a process identity for lock ownership.
func HolderID(hostname string, pid int, sessionID string) string {
	return fmt.Sprintf("%s:%d:%s", hostname, pid, sessionID)
}
