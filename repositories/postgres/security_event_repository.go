package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

// SecurityEventRepository implements the repositories.SecurityEventRepository interface
type SecurityEventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSecurityEventRepository creates a new security event repository
func NewSecurityEventRepository(db *DB, logger *zap.Logger) repositories.SecurityEventRepository {
	return &SecurityEventRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new security event
func (r *SecurityEventRepository) Insert(ctx context.Context, evt *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (
			id, kind, subject, reference, details, request_id, ip_address, user_agent, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var details interface{}
	if len(evt.Details) > 0 {
		details = []byte(evt.Details)
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		evt.ID,
		evt.Kind,
		evt.Subject,
		evt.Reference,
		details,
		evt.RequestID,
		evt.IPAddress,
		evt.UserAgent,
		evt.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}

	r.logger.Debug("security event inserted", zap.String("id", evt.ID.String()), zap.String("kind", string(evt.Kind)))
	return nil
}

// ListBySubject retrieves security events for a subject with pagination
func (r *SecurityEventRepository) ListBySubject(ctx context.Context, subject string, limit, offset int) ([]*models.SecurityEvent, error) {
	query := `
		SELECT id, kind, subject, reference, details, request_id, ip_address, user_agent, occurred_at
		FROM security_events
		WHERE subject = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, subject, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		evt := &models.SecurityEvent{}
		var reference, requestID, ipAddress, userAgent sql.NullString
		var details []byte
		if err := rows.Scan(
			&evt.ID,
			&evt.Kind,
			&evt.Subject,
			&reference,
			&details,
			&requestID,
			&ipAddress,
			&userAgent,
			&evt.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		evt.Reference = reference.String
		evt.Details = details
		evt.RequestID = requestID.String
		evt.IPAddress = ipAddress.String
		evt.UserAgent = userAgent.String
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}

	return events, nil
}
