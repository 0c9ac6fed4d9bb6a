// Package sqlite implements the gateway repositories on an embedded SQLite
// database for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/repositories/sqltx"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Store owns the SQLite connection. SQLite allows one writer, so the pool is a single connection.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		request_id TEXT PRIMARY KEY,
		payload_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		schema_version TEXT NOT NULL,
		output BLOB,
		decision_status TEXT,
		claim_token TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys(expires_at);

	CREATE TABLE IF NOT EXISTS decision_audit_records (
		event_id TEXT PRIMARY KEY,
		request_id TEXT,
		workspace_id TEXT NOT NULL,
		operator_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		trigger TEXT NOT NULL,
		intent TEXT NOT NULL,
		approved INTEGER NOT NULL,
		rationale TEXT NOT NULL,
		rationale_code TEXT NOT NULL,
		evidence TEXT NOT NULL,
		plan_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decision_audit_workspace ON decision_audit_records(workspace_id, timestamp);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		family TEXT NOT NULL,
		roles TEXT NOT NULL DEFAULT '',
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked_at INTEGER,
		replaced_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_family ON refresh_tokens(family);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);

	CREATE TABLE IF NOT EXISTS one_time_tickets (
		token TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_at INTEGER,
		payload BLOB
	);

	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		reference TEXT,
		details TEXT,
		request_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_subject ON security_events(subject, occurred_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

// NewRepositories creates all repository instances on this store
func (s *Store) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Idempotency:    &IdempotencyRepository{db: s.db, logger: s.logger},
		AuditRecords:   &AuditRepository{db: s.db, logger: s.logger},
		SecurityEvents: &SecurityEventRepository{db: s.db, logger: s.logger},
		RefreshTokens:  &RefreshTokenRepository{db: s.db, logger: s.logger},
		Tickets:        &TicketRepository{db: s.db, logger: s.logger},
	}
}

// GetTransactionManager returns a transaction manager for this store
func (s *Store) GetTransactionManager() repositories.TransactionManager {
	return sqltx.NewManager(s.db, nil, s.logger)
}

// HealthCheck verifies the database answers queries
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("sqlite health check failed: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	s.logger.Info("closing sqlite store")
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}
