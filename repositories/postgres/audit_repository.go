package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

const auditColumns = `event_id, request_id, workspace_id, operator_id, timestamp, trigger, intent,
		       approved, rationale, rationale_code, evidence, plan_hash`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit record. Records are never updated.
func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO decision_audit_records (
			event_id, request_id, workspace_id, operator_id, timestamp, trigger, intent,
			approved, rationale, rationale_code, evidence, plan_hash
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode audit evidence: %w", err)
	}

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		rec.EventID,
		rec.RequestID,
		rec.WorkspaceID,
		rec.OperatorID,
		rec.Timestamp,
		rec.Trigger,
		rec.Intent,
		rec.Approved,
		rec.Rationale,
		rec.RationaleCode,
		evidence,
		rec.PlanHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	r.logger.Debug("audit record inserted",
		zap.String("event_id", rec.EventID.String()),
		zap.String("rationale_code", rec.RationaleCode),
	)
	return nil
}

// GetByEventID retrieves an audit record by event id
func (r *AuditRepository) GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM decision_audit_records WHERE event_id = $1`

	executor := GetExecutor(ctx, r.db)
	rec, err := scanAuditRecord(executor.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return rec, nil
}

// ListByWorkspace retrieves audit records for a workspace with pagination
func (r *AuditRepository) ListByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]*models.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM decision_audit_records
		WHERE workspace_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit record rows: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var requestID sql.NullString
	var evidence []byte

	err := row.Scan(
		&rec.EventID,
		&requestID,
		&rec.WorkspaceID,
		&rec.OperatorID,
		&rec.Timestamp,
		&rec.Trigger,
		&rec.Intent,
		&rec.Approved,
		&rec.Rationale,
		&rec.RationaleCode,
		&evidence,
		&rec.PlanHash,
	)
	if err != nil {
		return nil, err
	}

	rec.RequestID = requestID.String
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode audit evidence: %w", err)
		}
	}
	return rec, nil
}
