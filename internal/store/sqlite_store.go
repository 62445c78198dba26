package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/feedpacer/feedpacer/internal/model"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements LockStore, RateStore, SessionStore and
// ActionLogStore on a local SQLite file. It covers single-host setups
// where all automation processes share one machine; cross-process
// atomicity comes from SQLite's file locking plus the same conditional
// insert/upsert statements the Postgres backend uses.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database file and bootstraps
// the schema.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids lock
	// contention inside one process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply sqlite schema: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS session_locks (
		resource_id TEXT PRIMARY KEY,
		holder_id   TEXT NOT NULL,
		acquired_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rate_windows (
		resource_id   TEXT NOT NULL,
		window_start  TIMESTAMP NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (resource_id, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS automation_sessions (
		id          TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		mode        TEXT NOT NULL,
		status      TEXT NOT NULL,
		total       INTEGER NOT NULL DEFAULT 0,
		successful  INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		skipped     INTEGER NOT NULL DEFAULT 0,
		started_at  TIMESTAMP NOT NULL,
		ended_at    TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS action_results (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		target_id    TEXT NOT NULL,
		target_label TEXT,
		priority     INTEGER NOT NULL DEFAULT 0,
		success      INTEGER NOT NULL,
		error_kind   TEXT,
		error_text   TEXT,
		response     BLOB,
		created_at   TIMESTAMP NOT NULL
	)`,
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Acquire attempts to claim the lock row for resourceID.
func (s *SQLiteStore) Acquire(ctx context.Context, resourceID, holderID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_locks (resource_id, holder_id, acquired_at) VALUES (?, ?, ?)`,
		resourceID, holderID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return n == 1, nil
}

// Release deletes the lock if holderID matches.
func (s *SQLiteStore) Release(ctx context.Context, resourceID, holderID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE resource_id = ? AND holder_id = ?`,
		resourceID, holderID)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return n == 1, nil
}

// Get returns the live lock for resourceID.
func (s *SQLiteStore) Get(ctx context.Context, resourceID string) (*model.Lock, error) {
	var lock model.Lock
	err := s.db.QueryRowContext(ctx,
		`SELECT resource_id, holder_id, acquired_at FROM session_locks WHERE resource_id = ?`,
		resourceID).Scan(&lock.ResourceID, &lock.HolderID, &lock.AcquiredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return &lock, nil
}

// List returns every live lock ordered by age, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*model.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_id, holder_id, acquired_at FROM session_locks ORDER BY acquired_at ASC`)
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

// ClearAll deletes every lock.
func (s *SQLiteStore) ClearAll(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_locks`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear locks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clear locks: %w", err)
	}
	return int(n), nil
}

// IncrementIfBelow atomically increments the window counter when it is
// below limit, with the same guarded upsert the Postgres backend uses.
func (s *SQLiteStore) IncrementIfBelow(ctx context.Context, resourceID string, windowStart time.Time, limit int) (int, bool, error) {
	query := `
		INSERT INTO rate_windows (resource_id, window_start, request_count)
		VALUES (?, ?, 1)
		ON CONFLICT (resource_id, window_start) DO UPDATE
		SET request_count = request_count + 1
		WHERE request_count < ?
		RETURNING request_count
	`

	var count int
	err := s.db.QueryRowContext(ctx, query, resourceID, windowStart.UTC(), limit).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("failed to increment rate window: %w", err)
	}

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
func (s *SQLiteStore) Window(ctx context.Context, resourceID string, windowStart time.Time) (*model.RateWindow, error) {
	var window model.RateWindow
	err := s.db.QueryRowContext(ctx,
		`SELECT resource_id, window_start, request_count FROM rate_windows WHERE resource_id = ? AND window_start = ?`,
		resourceID, windowStart.UTC()).Scan(&window.ResourceID, &window.WindowStart, &window.RequestCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window: %w", err)
	}
	return &window, nil
}

// CreateSession inserts a new automation session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_sessions (id, resource_id, mode, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.ResourceID, session.Mode, session.Status, session.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSessionStats writes the current run counters.
func (s *SQLiteStore) UpdateSessionStats(ctx context.Context, sessionID string, stats model.SessionStats) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_sessions SET total = ?, successful = ?, failed = ?, skipped = ? WHERE id = ?`,
		stats.Total, stats.Successful, stats.Failed, stats.Skipped, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session stats: %w", err)
	}
	return nil
}

// EndSession finalizes the session row.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, status model.SessionStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automation_sessions SET status = ?, ended_at = ? WHERE id = ?`,
		status, at.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// AppendResult appends one executed action's outcome to the audit log.
func (s *SQLiteStore) AppendResult(ctx context.Context, sessionID string, result *model.ActionResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_results
			(session_id, kind, target_id, target_label, priority, success, error_kind, error_text, response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		result.Action.Kind,
		result.Action.TargetID,
		result.Action.TargetLabel,
		result.Action.Priority,
		result.Success,
		result.ErrorKind,
		result.ErrorText,
		result.Response,
		result.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to append action result: %w", err)
	}
	return nil
}

// RecentResults returns the latest results for a session, newest first.
func (s *SQLiteStore) RecentResults(ctx context.Context, sessionID string, limit int) ([]*model.ActionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, target_id, target_label, priority, success, error_kind, error_text, response, created_at
		 FROM action_results
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list action results: %w", err)
	}
	defer rows.Close()

	results := make([]*model.ActionResult, 0)
	for rows.Next() {
		var r model.ActionResult
		var targetLabel, errorKind, errorText sql.NullString
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
		r.Action.TargetLabel = targetLabel.String
		r.ErrorKind = errorKind.String
		r.ErrorText = errorText.String
		results = append(results, &r)
	}
	return results, rows.Err()
}
