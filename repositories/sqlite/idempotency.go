package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/repositories/sqltx"
	"go.uber.org/zap"
)

// IdempotencyRepository implements repositories.IdempotencyRepository on SQLite
type IdempotencyRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func (r *IdempotencyRepository) Insert(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (
			request_id, payload_hash, status, schema_version, claim_token, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		rec.RequestID, rec.PayloadHash, string(models.IdempotencyPending), rec.SchemaVersion,
		rec.ClaimToken, toNanos(rec.CreatedAt), toNanos(rec.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	return affectedOne(res)
}

func (r *IdempotencyRepository) Get(ctx context.Context, requestID string) (*models.IdempotencyRecord, error) {
	query := `
		SELECT request_id, payload_hash, status, schema_version, output, decision_status,
		       claim_token, created_at, completed_at, expires_at
		FROM idempotency_keys
		WHERE request_id = ?
	`
	rec := &models.IdempotencyRecord{}
	var (
		output         []byte
		decisionStatus sql.NullString
		createdAt      int64
		completedAt    sql.NullInt64
		expiresAt      int64
	)
	err := sqltx.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, requestID).Scan(
		&rec.RequestID, &rec.PayloadHash, &rec.Status, &rec.SchemaVersion, &output, &decisionStatus,
		&rec.ClaimToken, &createdAt, &completedAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	rec.Output = output
	rec.DecisionStatus = decisionStatus.String
	rec.CreatedAt = fromNanos(createdAt)
	rec.CompletedAt = timePtr(completedAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	return rec, nil
}

func (r *IdempotencyRepository) TakeOver(ctx context.Context, rec *models.IdempotencyRecord, now time.Time) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET payload_hash = ?, status = ?, schema_version = ?, output = NULL,
		    decision_status = NULL, claim_token = ?, created_at = ?,
		    completed_at = NULL, expires_at = ?
		WHERE request_id = ? AND expires_at <= ?
	`
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		rec.PayloadHash, string(models.IdempotencyPending), rec.SchemaVersion, rec.ClaimToken,
		toNanos(rec.CreatedAt), toNanos(rec.ExpiresAt), rec.RequestID, toNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to take over idempotency key: %w", err)
	}
	return affectedOne(res)
}

func (r *IdempotencyRepository) Complete(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	query := `
		UPDATE idempotency_keys
		SET status = ?, output = ?, decision_status = ?, schema_version = ?, completed_at = ?, expires_at = ?
		WHERE request_id = ? AND claim_token = ? AND status = 'pending'
	`
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		string(models.IdempotencyCompleted), []byte(rec.Output), rec.DecisionStatus, rec.SchemaVersion,
		nullableNanos(rec.CompletedAt), toNanos(rec.ExpiresAt), rec.RequestID, rec.ClaimToken,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return affectedOne(res)
}

func (r *IdempotencyRepository) Delete(ctx context.Context, requestID, claimToken string) (bool, error) {
	query := `DELETE FROM idempotency_keys WHERE request_id = ? AND claim_token = ? AND status = 'pending'`
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query, requestID, claimToken)
	if err != nil {
		return false, fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return affectedOne(res)
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to prune idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		r.logger.Debug("pruned idempotency keys", zap.Int64("count", n))
	}
	return n, nil
}
