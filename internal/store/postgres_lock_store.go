package store

import (
	"context"
	"fmt"
	"time"

	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLockStore implements LockStore on the session_locks table.
// Mutual exclusion comes from the primary key on resource_id: the
// conditional insert either claims the row or touches nothing.
type PostgresLockStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLockStore creates a new PostgreSQL lock store.
func NewPostgresLockStore(pool *pgxpool.Pool) *PostgresLockStore {
	return &PostgresLockStore{pool: pool}
}

// Acquire attempts to claim the lock row for resourceID.
func (s *PostgresLockStore) Acquire(ctx context.Context, resourceID, holderID string, at time.Time) (bool, error) {
	query := `
		INSERT INTO session_locks (resource_id, holder_id, acquired_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_id) DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query, resourceID, holderID, at)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Release deletes the lock if holderID matches.
func (s *PostgresLockStore) Release(ctx context.Context, resourceID, holderID string) (bool, error) {
	query := `DELETE FROM session_locks WHERE resource_id = $1 AND holder_id = $2`

	result, err := s.pool.Exec(ctx, query, resourceID, holderID)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// Get returns the live lock for resourceID.
func (s *PostgresLockStore) Get(ctx context.Context, resourceID string) (*model.Lock, error) {
	query := `
		SELECT resource_id, holder_id, acquired_at
		FROM session_locks
		WHERE resource_id = $1
	`

	var lock model.Lock
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(
		&lock.ResourceID,
		&lock.HolderID,
		&lock.AcquiredAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return &lock, nil
}

// List returns every live lock ordered by age, oldest first.
func (s *PostgresLockStore) List(ctx context.Context) ([]*model.Lock, error) {
	query := `
		SELECT resource_id, holder_id, acquired_at
		FROM session_locks
		ORDER BY acquired_at ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	locks := make([]*model.Lock, 0)
	for rows.Next() {
		var lock model.Lock
		if err := rows.Scan(&lock.ResourceID, &lock.HolderID, &lock.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, &lock)
	}

	return locks, rows.Err()
}

// ClearAll deletes every lock. Administrative escape hatch for crash
// recovery; never called by normal session logic.
func (s *PostgresLockStore) ClearAll(ctx context.Context) (int, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM session_locks`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear locks: %w", err)
	}

	return int(result.RowsAffected()), nil
}
