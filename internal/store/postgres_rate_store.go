package store

import (
	"context"
	"fmt"
	"time"

	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRateStore implements RateStore on the rate_windows table.
// The guarded upsert makes check-and-increment one atomic statement:
// when only one slot remains, concurrent callers cannot both pass.
type PostgresRateStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRateStore creates a new PostgreSQL rate store.
func NewPostgresRateStore(pool *pgxpool.Pool) *PostgresRateStore {
	return &PostgresRateStore{pool: pool}
}

// IncrementIfBelow atomically increments the window counter when it is
// below limit. The RETURNING clause only fires when a row was inserted
// or the guarded update applied, so a missing result means denied.
func (s *PostgresRateStore) IncrementIfBelow(ctx context.Context, resourceID string, windowStart time.Time, limit int) (int, bool, error) {
	query := `
		INSERT INTO rate_windows (resource_id, window_start, request_count, last_request_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (resource_id, window_start) DO UPDATE
		SET request_count = rate_windows.request_count + 1,
		    last_request_at = NOW()
		WHERE rate_windows.request_count < $3
		RETURNING request_count
	`

	var count int
	err := s.pool.QueryRow(ctx, query, resourceID, windowStart, limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if err != pgx.ErrNoRows {
		return 0, false, fmt.Errorf("failed to increment rate window: %w", err)
	}

	// Denied: report the current count for the caller's message.
	window, werr := s.Window(ctx, resourceID, windowStart)
	if werr != nil {
		if werr == ErrNotFound {
			return 0, false, nil
		}
		return 0, false, werr
	}

	return window.RequestCount, false, nil
}

// Window returns the counter row for (resourceID, windowStart).
func (s *PostgresRateStore) Window(ctx context.Context, resourceID string, windowStart time.Time) (*model.RateWindow, error) {
	query := `
		SELECT resource_id, window_start, request_count
		FROM rate_windows
		WHERE resource_id = $1 AND window_start = $2
	`

	var window model.RateWindow
	err := s.pool.QueryRow(ctx, query, resourceID, windowStart).Scan(
		&window.ResourceID,
		&window.WindowStart,
		&window.RequestCount,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window: %w", err)
	}

	return &window, nil
}
