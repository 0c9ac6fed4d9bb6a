package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/repositories/sqltx"
	"go.uber.org/zap"
)

// AuditRepository implements repositories.AuditRepository on SQLite
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return fmt.Errorf("failed to encode audit evidence: %w", err)
	}

	query := `
		INSERT INTO decision_audit_records (
			event_id, request_id, workspace_id, operator_id, timestamp, trigger, intent,
			approved, rationale, rationale_code, evidence, plan_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		rec.EventID.String(), rec.RequestID, rec.WorkspaceID, rec.OperatorID, toNanos(rec.Timestamp),
		string(rec.Trigger), rec.Intent, rec.Approved, rec.Rationale, rec.RationaleCode,
		string(evidence), rec.PlanHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	r.logger.Debug("audit record inserted", zap.String("event_id", rec.EventID.String()))
	return nil
}

func (r *AuditRepository) GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.AuditRecord, error) {
	query := `
		SELECT event_id, request_id, workspace_id, operator_id, timestamp, trigger, intent,
		       approved, rationale, rationale_code, evidence, plan_hash
		FROM decision_audit_records
		WHERE event_id = ?
	`
	rec, err := scanAudit(sqltx.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, eventID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return rec, nil
}

func (r *AuditRepository) ListByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]*models.AuditRecord, error) {
	query := `
		SELECT event_id, request_id, workspace_id, operator_id, timestamp, trigger, intent,
		       approved, rationale, rationale_code, evidence, plan_hash
		FROM decision_audit_records
		WHERE workspace_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`
	rows, err := sqltx.GetExecutor(ctx, r.db).QueryContext(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAudit(row scanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var (
		eventID   string
		requestID sql.NullString
		ts        int64
		trigger   string
		evidence  string
	)
	if err := row.Scan(&eventID, &requestID, &rec.WorkspaceID, &rec.OperatorID, &ts, &trigger, &rec.Intent,
		&rec.Approved, &rec.Rationale, &rec.RationaleCode, &evidence, &rec.PlanHash); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(eventID)
	if err != nil {
		return nil, fmt.Errorf("invalid audit event id %q: %w", eventID, err)
	}
	rec.EventID = id
	rec.RequestID = requestID.String
	rec.Timestamp = fromNanos(ts)
	rec.Trigger = models.TriggerType(trigger)
	if err := json.Unmarshal([]byte(evidence), &rec.Evidence); err != nil {
		return nil, fmt.Errorf("failed to decode audit evidence: %w", err)
	}
	return rec, nil
}
