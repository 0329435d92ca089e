package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/shopagent/pkg/models"
)

// PostgresStore implements Store on Postgres for multi-instance deployments.
// Expiry is enforced in SQL predicates so stale rows are invisible even
// before they are reclaimed.
type PostgresStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger

	stmtGet    *sql.Stmt
	stmtUpsert *sql.Stmt
	stmtDelete *sql.Stmt
	stmtExists *sql.Stmt
	stmtTouch  *sql.Stmt
	stmtClaim  *sql.Stmt
}

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	key        TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_sessions_expires_at ON agent_sessions (expires_at);
`

// NewPostgresStore opens a Postgres-backed session store.
func NewPostgresStore(cfg Config, logger *slog.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	store, err := newPostgresStoreWithDB(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// newPostgresStoreWithDB wires a store around an existing connection.
// Split out so tests can inject a mock database.
func newPostgresStoreWithDB(db *sql.DB, cfg Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	s := &PostgresStore{
		db:     db,
		ttl:    ttl,
		logger: logger.With("component", "session_store", "backend", "postgres"),
	}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtGet, err = s.db.Prepare(`
		SELECT state FROM agent_sessions
		WHERE key = $1 AND expires_at > NOW()`)
	if err != nil {
		return err
	}

	s.stmtUpsert, err = s.db.Prepare(`
		INSERT INTO agent_sessions (key, state, updated_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET state = $2, updated_at = $3, expires_at = $4`)
	if err != nil {
		return err
	}

	s.stmtDelete, err = s.db.Prepare(`DELETE FROM agent_sessions WHERE key = $1`)
	if err != nil {
		return err
	}

	s.stmtExists, err = s.db.Prepare(`
		SELECT EXISTS (
			SELECT 1 FROM agent_sessions
			WHERE key = $1 AND expires_at > NOW()
		)`)
	if err != nil {
		return err
	}

	s.stmtTouch, err = s.db.Prepare(`
		UPDATE agent_sessions SET expires_at = $2
		WHERE key = $1 AND expires_at > NOW()`)
	if err != nil {
		return err
	}

	// The pending-action claim: the status predicate makes the write
	// conditional, so concurrent confirmations across instances race on the
	// database row and exactly one wins.
	s.stmtClaim, err = s.db.Prepare(`
		UPDATE agent_sessions SET state = $2, updated_at = $3, expires_at = $4
		WHERE key = $1 AND expires_at > NOW()
		AND state->'pending'->>'id' = $5
		AND state->'pending'->>'status' = 'pending'`)
	if err != nil {
		return err
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*models.SessionState, error) {
	var raw []byte
	err := s.stmtGet.QueryRowContext(ctx, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var state models.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		// A poisoned record must not wedge the session: drop it and report
		// the key as absent so the caller starts fresh.
		s.logger.Warn("dropping undecodable session record", "key", key, "error", err)
		if _, delErr := s.stmtDelete.ExecContext(ctx, key); delErr != nil {
			s.logger.Warn("failed to delete poisoned record", "key", key, "error", delErr)
		}
		return nil, ErrNotFound
	}
	return &state, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, state *models.SessionState) error {
	if state == nil {
		return errors.New("state is required")
	}
	now := time.Now()
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.ttl)

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	if _, err := s.stmtUpsert.ExecContext(ctx, key, raw, state.UpdatedAt, state.ExpiresAt); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetIfPending(ctx context.Context, key, actionID string, state *models.SessionState) error {
	if state == nil {
		return errors.New("state is required")
	}
	now := time.Now()
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.ttl)

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	res, err := s.stmtClaim.ExecContext(ctx, key, raw, state.UpdatedAt, state.ExpiresAt, actionID)
	if err != nil {
		return fmt.Errorf("claim pending action: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim pending action: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.stmtDelete.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	if err := s.stmtExists.QueryRowContext(ctx, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Touch(ctx context.Context, key string) error {
	res, err := s.stmtTouch.ExecContext(ctx, key, time.Now().Add(s.ttl))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtUpsert, s.stmtDelete, s.stmtExists, s.stmtTouch, s.stmtClaim} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
