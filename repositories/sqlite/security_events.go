package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories/sqltx"
	"go.uber.org/zap"
)

// SecurityEventRepository implements repositories.SecurityEventRepository on SQLite
type SecurityEventRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func (r *SecurityEventRepository) Insert(ctx context.Context, evt *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (
			id, kind, subject, reference, details, request_id, ip_address, user_agent, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var details interface{}
	if len(evt.Details) > 0 {
		details = string(evt.Details)
	}
	_, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		evt.ID.String(), string(evt.Kind), evt.Subject, evt.Reference, details,
		evt.RequestID, evt.IPAddress, evt.UserAgent, toNanos(evt.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

func (r *SecurityEventRepository) ListBySubject(ctx context.Context, subject string, limit, offset int) ([]*models.SecurityEvent, error) {
	query := `
		SELECT id, kind, subject, reference, details, request_id, ip_address, user_agent, occurred_at
		FROM security_events
		WHERE subject = ?
		ORDER BY occurred_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := sqltx.GetExecutor(ctx, r.db).QueryContext(ctx, query, subject, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.SecurityEvent
	for rows.Next() {
		var id, kind string
		var reference, details, reqID, ipAddr, userAgent sql.NullString
		var occurredAt int64
		evt := &models.SecurityEvent{}
		if err := rows.Scan(&id, &kind, &evt.Subject, &reference, &details, &reqID, &ipAddr, &userAgent, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid security event id %q: %w", id, err)
		}
		evt.ID = parsed
		evt.Kind = models.SecurityEventKind(kind)
		evt.Reference = reference.String
		if details.Valid {
			evt.Details = []byte(details.String)
		}
		evt.RequestID = reqID.String
		evt.IPAddress = ipAddr.String
		evt.UserAgent = userAgent.String
		evt.OccurredAt = fromNanos(occurredAt)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}
	return events, nil
}
