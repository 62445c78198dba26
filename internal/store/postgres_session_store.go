package store

import (
	"context"
	"fmt"
	"time"

	"github.com/feedpacer/feedpacer/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore implements SessionStore and ActionLogStore on
// the automation_sessions and action_results tables.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore creates a new PostgreSQL session store.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

// CreateSession inserts a new automation session row.
func (s *PostgresSessionStore) CreateSession(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO automation_sessions (id, resource_id, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.pool.Exec(ctx, query,
		session.ID,
		session.ResourceID,
		session.Mode,
		session.Status,
		session.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// UpdateSessionStats writes the current run counters.
func (s *PostgresSessionStore) UpdateSessionStats(ctx context.Context, sessionID string, stats model.SessionStats) error {
	query := `
		UPDATE automation_sessions
		SET total = $2, successful = $3, failed = $4, skipped = $5
		WHERE id = $1
	`

	result, err := s.pool.Exec(ctx, query,
		sessionID, stats.Total, stats.Successful, stats.Failed, stats.Skipped)
	if err != nil {
		return fmt.Errorf("failed to update session stats: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	return nil
}

// EndSession finalizes the session row.
func (s *PostgresSessionStore) EndSession(ctx context.Context, sessionID string, status model.SessionStatus, at time.Time) error {
	query := `
		UPDATE automation_sessions
		SET status = $2, ended_at = $3
		WHERE id = $1
	`

	result, err := s.pool.Exec(ctx, query, sessionID, status, at)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}

	return nil
}

// AppendResult appends one executed action's outcome to the audit log.
func (s *PostgresSessionStore) AppendResult(ctx context.Context, sessionID string, result *model.ActionResult) error {
	query := `
		INSERT INTO action_results
			(session_id, kind, target_id, target_label, priority, success, error_kind, error_text, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.pool.Exec(ctx, query,
		sessionID,
		result.Action.Kind,
		result.Action.TargetID,
		result.Action.TargetLabel,
		result.Action.Priority,
		result.Success,
		result.ErrorKind,
		result.ErrorText,
		result.Response,
		result.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append action result: %w", err)
	}

	return nil
}

// RecentResults returns the latest results for a session, newest first.
func (s *PostgresSessionStore) RecentResults(ctx context.Context, sessionID string, limit int) ([]*model.ActionResult, error) {
	query := `
		SELECT kind, target_id, target_label, priority, success, error_kind, error_text, response, created_at
		FROM action_results
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list action results: %w", err)
	}
	defer rows.Close()

	results := make([]*model.ActionResult, 0)
	for rows.Next() {
		var r model.ActionResult
		var targetLabel, errorKind, errorText *string
		if err := rows.Scan(
			&r.Action.Kind,
			&r.Action.TargetID,
			&targetLabel,
			&r.Action.Priority,
			&r.Success,
			&errorKind,
			&errorText,
			&r.Response,
			&r.At,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action result: %w", err)
		}
		if targetLabel != nil {
			r.Action.TargetLabel = *targetLabel
		}
		if errorKind != nil {
			r.ErrorKind = *errorKind
		}
		if errorText != nil {
			r.ErrorText = *errorText
		}
		results = append(results, &r)
	}

	return results, rows.Err()
}
