package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

// RefreshTokenRepository implements the repositories.RefreshTokenRepository interface
type RefreshTokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRefreshTokenRepository creates a new refresh token repository
func NewRefreshTokenRepository(db *DB, logger *zap.Logger) repositories.RefreshTokenRepository {
	return &RefreshTokenRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new refresh token
func (r *RefreshTokenRepository) Create(ctx context.Context, tok *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, family, roles, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		tok.ID, tok.UserID, tok.Family, pq.Array(tok.Roles), tok.IssuedAt, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}

	r.logger.Debug("refresh token created", zap.String("family", tok.Family))
	return nil
}

// Get retrieves a refresh token by id
func (r *RefreshTokenRepository) Get(ctx context.Context, id string) (*models.RefreshToken, error) {
	query := `
		SELECT id, user_id, family, roles, issued_at, expires_at, revoked_at, replaced_by
		FROM refresh_tokens
		WHERE id = $1
	`

	executor := GetExecutor(ctx, r.db)
	tok := &models.RefreshToken{}
	var replacedBy sql.NullString

	err := executor.QueryRowContext(ctx, query, id).Scan(
		&tok.ID,
		&tok.UserID,
		&tok.Family,
		pq.Array(&tok.Roles),
		&tok.IssuedAt,
		&tok.ExpiresAt,
		&tok.RevokedAt,
		&replacedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if replacedBy.Valid {
		tok.ReplacedBy = &replacedBy.String
	}
	return tok, nil
}

// RevokeIfActive revokes the token only while it is unrevoked and unexpired
func (r *RefreshTokenRepository) RevokeIfActive(ctx context.Context, id, replacedBy string, now time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $3, replaced_by = $2
		WHERE id = $1 AND revoked_at IS NULL AND expires_at > $3
	`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, id, replacedBy, now)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return affectedOne(res)
}

// RevokeFamily revokes every unrevoked token of a family
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, family string, now time.Time) (int64, error) {
	query := `UPDATE refresh_tokens SET revoked_at = $2 WHERE family = $1 AND revoked_at IS NULL`
	return r.revoke(ctx, query, family, now)
}

// RevokeAllForUser revokes every unrevoked token of a user
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	query := `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	return r.revoke(ctx, query, userID, now)
}

// DeleteExpired removes tokens that expired before the cutoff
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

func (r *RefreshTokenRepository) revoke(ctx context.Context, query, key string, now time.Time) (int64, error) {
	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, key, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	r.logger.Debug("refresh tokens revoked", zap.Int64("count", n))
	return n, nil
}

// TicketRepository implements the repositories.TicketRepository interface
type TicketRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTicketRepository creates a new one-time ticket repository
func NewTicketRepository(db *DB, logger *zap.Logger) repositories.TicketRepository {
	return &TicketRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a new unused ticket
func (r *TicketRepository) Create(ctx context.Context, ticket *models.OneTimeTicket) error {
	query := `
		INSERT INTO one_time_tickets (token, purpose, created_at, expires_at, used, payload)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query, ticket.Token, ticket.Purpose, ticket.CreatedAt, ticket.ExpiresAt, ticket.Payload)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// Consume marks an unused ticket used in one statement and returns it
func (r *TicketRepository) Consume(ctx context.Context, token string, now time.Time) (*models.OneTimeTicket, error) {
	query := `
		UPDATE one_time_tickets
		SET used = TRUE, used_at = $2
		WHERE token = $1 AND used = FALSE
		RETURNING token, purpose, created_at, expires_at, used, used_at, payload
	`

	executor := GetExecutor(ctx, r.db)
	ticket := &models.OneTimeTicket{}
	err := executor.QueryRowContext(ctx, query, token, now).Scan(
		&ticket.Token,
		&ticket.Purpose,
		&ticket.CreatedAt,
		&ticket.ExpiresAt,
		&ticket.Used,
		&ticket.UsedAt,
		&ticket.Payload,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume ticket: %w", err)
	}
	return ticket, nil
}

// DeleteExpired removes tickets that expired before the cutoff
func (r *TicketRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM one_time_tickets WHERE expires_at < $1`

	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tickets: %w", err)
	}
	return res.RowsAffected()
}
