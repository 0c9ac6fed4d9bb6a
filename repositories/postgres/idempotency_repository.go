package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

// IdempotencyRepository implements the repositories.IdempotencyRepository interface
type IdempotencyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *DB, logger *zap.Logger) repositories.IdempotencyRepository {
	return &IdempotencyRepository{
		db:     db,
		logger: logger,
	}
}

// Insert creates a pending row unless the request id already exists
func (r *IdempotencyRepository) Insert(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (
			request_id, payload_hash, status, schema_version, claim_token, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		rec.RequestID,
		rec.PayloadHash,
		models.IdempotencyPending,
		rec.SchemaVersion,
		rec.ClaimToken,
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}

	inserted, err := affectedOne(res)
	if err != nil {
		return false, err
	}
	r.logger.Debug("idempotency key insert", zap.String("request_id", rec.RequestID), zap.Bool("inserted", inserted))
	return inserted, nil
}

// Get retrieves a row by request id
func (r *IdempotencyRepository) Get(ctx context.Context, requestID string) (*models.IdempotencyRecord, error) {
	query := `
		SELECT request_id, payload_hash, status, schema_version, output, decision_status,
		       claim_token, created_at, completed_at, expires_at
		FROM idempotency_keys
		WHERE request_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	rec := &models.IdempotencyRecord{}
	var output []byte
	var decisionStatus sql.NullString

	err := executor.QueryRowContext(ctx, query, requestID).Scan(
		&rec.RequestID,
		&rec.PayloadHash,
		&rec.Status,
		&rec.SchemaVersion,
		&output,
		&decisionStatus,
		&rec.ClaimToken,
		&rec.CreatedAt,
		&rec.CompletedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	rec.Output = output
	rec.DecisionStatus = decisionStatus.String
	return rec, nil
}

// TakeOver resets an expired row into a fresh pending claim
func (r *IdempotencyRepository) TakeOver(ctx context.Context, rec *models.IdempotencyRecord, now time.Time) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET payload_hash = $2, status = $3, schema_version = $4, output = NULL,
		    decision_status = NULL, claim_token = $5, created_at = $6,
		    completed_at = NULL, expires_at = $7
		WHERE request_id = $1 AND expires_at <= $8
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		rec.RequestID,
		rec.PayloadHash,
		models.IdempotencyPending,
		rec.SchemaVersion,
		rec.ClaimToken,
		rec.CreatedAt,
		rec.ExpiresAt,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to take over idempotency key: %w", err)
	}
	return affectedOne(res)
}

// Complete moves the owned pending row to completed
func (r *IdempotencyRepository) Complete(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET status = $3, output = $4, decision_status = $5, schema_version = $6,
		    completed_at = $7, expires_at = $8
		WHERE request_id = $1 AND claim_token = $2 AND status = 'pending'
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query,
		rec.RequestID,
		rec.ClaimToken,
		models.IdempotencyCompleted,
		[]byte(rec.Output),
		rec.DecisionStatus,
		rec.SchemaVersion,
		rec.CompletedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete idempotency key: %w", err)
	}

	completed, err := affectedOne(res)
	if err != nil {
		return false, err
	}
	r.logger.Debug("idempotency key completed", zap.String("request_id", rec.RequestID), zap.Bool("completed", completed))
	return completed, nil
}

// Delete removes the owned pending row
func (r *IdempotencyRepository) Delete(ctx context.Context, requestID, claimToken string) (bool, error) {
	query := `
		DELETE FROM idempotency_keys
		WHERE request_id = $1 AND claim_token = $2 AND status = 'pending'
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, requestID, claimToken)
	if err != nil {
		return false, fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return affectedOne(res)
}

// DeleteExpired removes rows whose expiry has passed
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_keys WHERE expires_at <= $1`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune idempotency keys: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// affectedOne reports whether a conditional statement matched a row
func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}
