package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/repositories/sqltx"
	"go.uber.org/zap"
)

// RefreshTokenRepository implements repositories.RefreshTokenRepository on SQLite
type RefreshTokenRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func (r *RefreshTokenRepository) Create(ctx context.Context, tok *models.RefreshToken) error {
	query := `INSERT INTO refresh_tokens (id, user_id, family, roles, issued_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		tok.ID, tok.UserID, tok.Family, strings.Join(tok.Roles, ","), toNanos(tok.IssuedAt), toNanos(tok.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) Get(ctx context.Context, id string) (*models.RefreshToken, error) {
	query := `
		SELECT id, user_id, family, roles, issued_at, expires_at, revoked_at, replaced_by
		FROM refresh_tokens
		WHERE id = ?
	`
	tok := &models.RefreshToken{}
	var (
		roles               string
		issuedAt, expiresAt int64
		revokedAt           sql.NullInt64
		replacedBy          sql.NullString
	)
	err := sqltx.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&tok.ID, &tok.UserID, &tok.Family, &roles, &issuedAt, &expiresAt, &revokedAt, &replacedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if roles != "" {
		tok.Roles = strings.Split(roles, ",")
	}
	tok.IssuedAt = fromNanos(issuedAt)
	tok.ExpiresAt = fromNanos(expiresAt)
	tok.RevokedAt = timePtr(revokedAt)
	if replacedBy.Valid {
		tok.ReplacedBy = &replacedBy.String
	}
	return tok, nil
}

func (r *RefreshTokenRepository) RevokeIfActive(ctx context.Context, id, replacedBy string, now time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = ?, replaced_by = ?
		WHERE id = ? AND revoked_at IS NULL AND expires_at > ?
	`
	n := toNanos(now)
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query, n, replacedBy, id, n)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return affectedOne(res)
}

func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, family string, now time.Time) (int64, error) {
	return r.exec(ctx, `UPDATE refresh_tokens SET revoked_at = ? WHERE family = ? AND revoked_at IS NULL`,
		toNanos(now), family)
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	return r.exec(ctx, `UPDATE refresh_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`,
		toNanos(now), userID)
}

func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return r.exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, toNanos(before))
}

func (r *RefreshTokenRepository) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// TicketRepository implements repositories.TicketRepository on SQLite
type TicketRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func (r *TicketRepository) Create(ctx context.Context, ticket *models.OneTimeTicket) error {
	query := `
		INSERT INTO one_time_tickets (token, purpose, created_at, expires_at, used, payload)
		VALUES (?, ?, ?, ?, 0, ?)
	`
	_, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx, query,
		ticket.Token, ticket.Purpose, toNanos(ticket.CreatedAt), toNanos(ticket.ExpiresAt), ticket.Payload)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// Consume flips used in one statement; only the caller whose UPDATE matched gets the row back
func (r *TicketRepository) Consume(ctx context.Context, token string, now time.Time) (*models.OneTimeTicket, error) {
	query := `
		UPDATE one_time_tickets
		SET used = 1, used_at = ?
		WHERE token = ? AND used = 0
		RETURNING token, purpose, created_at, expires_at, used, used_at, payload
	`
	ticket := &models.OneTimeTicket{}
	var (
		createdAt, expiresAt int64
		usedAt               sql.NullInt64
	)
	err := sqltx.GetExecutor(ctx, r.db).QueryRowContext(ctx, query, toNanos(now), token).Scan(
		&ticket.Token, &ticket.Purpose, &createdAt, &expiresAt, &ticket.Used, &usedAt, &ticket.Payload,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume ticket: %w", err)
	}

	ticket.CreatedAt = fromNanos(createdAt)
	ticket.ExpiresAt = fromNanos(expiresAt)
	ticket.UsedAt = timePtr(usedAt)
	return ticket, nil
}

func (r *TicketRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := sqltx.GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM one_time_tickets WHERE expires_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune tickets: %w", err)
	}
	return res.RowsAffected()
}
