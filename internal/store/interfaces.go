package store

import (
	"context"
	"errors"
	"time"

	"github.com/feedpacer/feedpacer/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// LockStore arbitrates per-resource session locks. Acquire must be
// atomic with respect to concurrent callers: two processes racing for
// the same resource must never both succeed. Implementations rely on a
// store-level uniqueness constraint, never an application-level
// check-then-insert.
type LockStore interface {
	// Acquire creates the lock row for resourceID. It returns true only
	// if no live lock existed.
	Acquire(ctx context.Context, resourceID, holderID string, at time.Time) (bool, error)
	// Release deletes the lock if holderID matches. Releasing an absent
	// lock is not an error; it returns false.
	Release(ctx context.Context, resourceID, holderID string) (bool, error)
	// Get returns the live lock for resourceID, or ErrNotFound.
	Get(ctx context.Context, resourceID string) (*model.Lock, error)
	// List returns every live lock.
	List(ctx context.Context) ([]*model.Lock, error)
	// ClearAll deletes every lock and returns how many were removed.
	ClearAll(ctx context.Context) (int, error)
}

// RateStore tracks hour-aligned request windows. IncrementIfBelow is a
// single atomic operation: when the window's count is below limit it
// increments and returns (newCount, true); otherwise it returns the
// current count unchanged and false. A missing window counts as zero.
type RateStore interface {
	IncrementIfBelow(ctx context.Context, resourceID string, windowStart time.Time, limit int) (int, bool, error)
	// Window returns the current counter row for auditing, or
	// ErrNotFound when no request has been made this window.
	Window(ctx context.Context, resourceID string, windowStart time.Time) (*model.RateWindow, error)
}

// SessionStore persists automation session rows for auditing.
type SessionStore interface {
	CreateSession(ctx context.Context, session *model.Session) error
	UpdateSessionStats(ctx context.Context, sessionID string, stats model.SessionStats) error
	EndSession(ctx context.Context, sessionID string, status model.SessionStatus, at time.Time) error
}

// ActionLogStore appends executed action results to a durable log.
type ActionLogStore interface {
	AppendResult(ctx context.Context, sessionID string, result *model.ActionResult) error
	RecentResults(ctx context.Context, sessionID string, limit int) ([]*model.ActionResult, error)
}

// SeenStore remembers targets that were already processed so repeated
// harvests do not re-action them. Entries expire after a TTL.
type SeenStore interface {
	Seen(ctx context.Context, resourceID, targetID string) (bool, error)
	MarkSeen(ctx context.Context, resourceID, targetID string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}
