package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres wraps the shared PostgreSQL connection pool used by the
// lock, rate, and session stores.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates the shared connection pool and verifies it.
func NewPostgres(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*Postgres, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for stores sharing the connection.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// EnsureSchema creates the orchestration tables when they do not exist
// yet. Idempotent; safe to run on every startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	p.logger.Info("Database schema verified")
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS session_locks (
		resource_id TEXT PRIMARY KEY,
		holder_id   TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS rate_windows (
		resource_id   TEXT NOT NULL,
		window_start  TIMESTAMPTZ NOT NULL,
		request_count INT NOT NULL DEFAULT 0,
		last_request_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (resource_id, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS automation_sessions (
		id          TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		mode        TEXT NOT NULL,
		status      TEXT NOT NULL,
		total       INT NOT NULL DEFAULT 0,
		successful  INT NOT NULL DEFAULT 0,
		failed      INT NOT NULL DEFAULT 0,
		skipped     INT NOT NULL DEFAULT 0,
		started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at    TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS action_results (
		id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES automation_sessions(id) ON DELETE CASCADE,
		kind         TEXT NOT NULL,
		target_id    TEXT NOT NULL,
		target_label TEXT,
		priority     INT NOT NULL DEFAULT 0,
		success      BOOLEAN NOT NULL,
		error_kind   TEXT,
		error_text   TEXT,
		response     BYTEA,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_action_results_session ON action_results (session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_windows_start ON rate_windows (window_start)`,
}
