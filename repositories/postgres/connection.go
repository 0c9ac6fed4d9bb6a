package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/civic-gateway/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// NewDBFromConn wraps an already opened connection pool
func NewDBFromConn(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the gateway schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Idempotency claims
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			request_id VARCHAR(255) PRIMARY KEY,
			payload_hash CHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			schema_version VARCHAR(50) NOT NULL,
			output JSONB,
			decision_status VARCHAR(20),
			claim_token VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL
		);

		-- Write-once decision audit trail
		CREATE TABLE IF NOT EXISTS decision_audit_records (
			event_id UUID PRIMARY KEY,
			request_id VARCHAR(255),
			workspace_id VARCHAR(255) NOT NULL,
			operator_id VARCHAR(255) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			trigger VARCHAR(50) NOT NULL,
			intent VARCHAR(100) NOT NULL,
			approved BOOLEAN NOT NULL,
			rationale TEXT NOT NULL,
			rationale_code VARCHAR(50) NOT NULL,
			evidence JSONB NOT NULL,
			plan_hash CHAR(64) NOT NULL
		);

		-- Refresh token rotation chains
		CREATE TABLE IF NOT EXISTS refresh_tokens (
			id CHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			family UUID NOT NULL,
			roles TEXT[] NOT NULL DEFAULT '{}',
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ,
			replaced_by CHAR(64)
		);

		-- One-time tickets
		CREATE TABLE IF NOT EXISTS one_time_tickets (
			token CHAR(64) PRIMARY KEY,
			purpose VARCHAR(50) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE,
			used_at TIMESTAMPTZ,
			payload BYTEA
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_keys_expires_at ON idempotency_keys(expires_at);
		CREATE INDEX IF NOT EXISTS idx_decision_audit_workspace ON decision_audit_records(workspace_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_decision_audit_request_id ON decision_audit_records(request_id);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_family ON refresh_tokens(family);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id);
		CREATE INDEX IF NOT EXISTS idx_one_time_tickets_expires_at ON one_time_tickets(expires_at);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitSecuritySchema initializes the security event table.
// Runs against the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitSecuritySchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS security_events (
			id UUID PRIMARY KEY,
			kind VARCHAR(50) NOT NULL,
			subject VARCHAR(255) NOT NULL,
			reference VARCHAR(255),
			details JSONB,
			request_id VARCHAR(255),
			ip_address VARCHAR(45),
			user_agent TEXT,
			occurred_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_security_events_subject ON security_events(subject, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_security_events_kind ON security_events(kind);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize security schema: %w", err)
	}
	db.logger.Info("security schema initialized successfully")
	return nil
}
