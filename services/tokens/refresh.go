package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/civic-gateway/internal/observability"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/services"
	"go.uber.org/zap"
)

// RotateOutcome is the result of presenting a refresh token
type RotateOutcome string

const (
	RotateOK            RotateOutcome = "ok"
	RotateReuseDetected RotateOutcome = "reuse_detected"
	RotateInvalid       RotateOutcome = "invalid"
)

// EventSink receives security events
type EventSink interface {
	LogEvent(evt *models.SecurityEvent) error
}

// IssuedToken is a refresh token plus the access token minted with it
type IssuedToken struct {
	UserID           string
	Family           string
	Roles            []string
	RefreshToken     string
	RefreshExpiresAt time.Time
	AccessToken      string
	AccessExpiresAt  time.Time
}

// RotateResult is the outcome of Rotate. Token is set only for RotateOK;
// UserID and Family are set whenever the presented token was found.
type RotateResult struct {
	Outcome RotateOutcome
	Token   *IssuedToken
	UserID  string
	Family  string
}

// RefreshService issues and rotates refresh tokens
type RefreshService struct {
	repo      repositories.RefreshTokenRepository
	txManager repositories.TransactionManager
	access    *AccessTokens
	events    EventSink
	ttl       time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
	clock     func() time.Time
}

// NewRefreshService creates a refresh token service. events may be nil.
func NewRefreshService(
	repo repositories.RefreshTokenRepository,
	txManager repositories.TransactionManager,
	access *AccessTokens,
	events EventSink,
	ttl time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *RefreshService {
	return &RefreshService{
		repo:      repo,
		txManager: txManager,
		access:    access,
		events:    events,
		ttl:       ttl,
		metrics:   metrics,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Issue starts a new family for userID
func (s *RefreshService) Issue(ctx context.Context, userID string, roles []string) (*IssuedToken, error) {
	if userID == "" {
		return nil, services.ErrInvalidInput.WithDetail("field", "user_id")
	}

	issued, err := s.mint(ctx, userID, uuid.NewString(), roles, s.ttl)
	if err != nil {
		return nil, err
	}

	s.logger.Info("refresh family issued",
		zap.String("user_id", userID),
		zap.String("family", issued.Family),
	)
	return issued, nil
}

func (s *RefreshService) mint(ctx context.Context, userID, family string, roles []string, ttl time.Duration) (*IssuedToken, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, services.WrapInternal("failed to generate refresh token", err)
	}
	now := s.clock()

	tok := &models.RefreshToken{
		ID:        HashSecret(secret),
		UserID:    userID,
		Family:    family,
		Roles:     roles,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.repo.Create(ctx, tok); err != nil {
		return nil, services.ErrStoreUnavailable.Wrap(err)
	}
	return s.withAccess(tok, secret)
}

func (s *RefreshService) withAccess(tok *models.RefreshToken, secret string) (*IssuedToken, error) {
	issued := &IssuedToken{
		UserID:           tok.UserID,
		Family:           tok.Family,
		Roles:            tok.Roles,
		RefreshToken:     secret,
		RefreshExpiresAt: tok.ExpiresAt,
	}
	if s.access == nil {
		return issued, nil
	}

	access, expiresAt, err := s.access.Mint(tok.UserID, tok.Family, tok.Roles)
	if err != nil {
		return nil, services.WrapInternal("failed to mint access token", err)
	}
	issued.AccessToken = access
	issued.AccessExpiresAt = expiresAt
	return issued, nil
}

// Rotate exchanges a refresh token for a new one in the same family. A token
// presented after it was already rotated or revoked revokes its whole family.
func (s *RefreshService) Rotate(ctx context.Context, token string, ttl time.Duration) (*RotateResult, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	if token == "" {
		s.metrics.RecordRotation(ctx, string(RotateInvalid))
		return &RotateResult{Outcome: RotateInvalid}, nil
	}

	secret, err := newSecret()
	if err != nil {
		return nil, services.WrapInternal("failed to generate refresh token", err)
	}
	oldID := HashSecret(token)
	newID := HashSecret(secret)
	now := s.clock()

	rotated, err := services.WithTransactionResult(ctx, s.txManager,
		func(ctx context.Context, _ repositories.Transaction) (*models.RefreshToken, error) {
			ok, err := s.repo.RevokeIfActive(ctx, oldID, newID, now)
			if err != nil || !ok {
				return nil, err
			}
			old, err := s.repo.Get(ctx, oldID)
			if err != nil {
				return nil, err
			}
			next := &models.RefreshToken{
				ID:        newID,
				UserID:    old.UserID,
				Family:    old.Family,
				Roles:     old.Roles,
				IssuedAt:  now,
				ExpiresAt: now.Add(ttl),
			}
			if err := s.repo.Create(ctx, next); err != nil {
				return nil, err
			}
			return next, nil
		})
	if err != nil {
		s.logger.Error("refresh rotation failed", zap.Error(err))
		return nil, services.ErrStoreUnavailable.Wrap(err)
	}

	if rotated != nil {
		issued, err := s.withAccess(rotated, secret)
		if err != nil {
			return nil, err
		}
		s.metrics.RecordRotation(ctx, string(RotateOK))
		s.logger.Debug("refresh token rotated", zap.String("family", rotated.Family))
		return &RotateResult{Outcome: RotateOK, Token: issued, UserID: rotated.UserID, Family: rotated.Family}, nil
	}

	result, err := s.classifyRejected(ctx, oldID, now)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordRotation(ctx, string(result.Outcome))
	return result, nil
}

// classifyRejected explains why a conditional revoke matched nothing.
// Expiry wins over revocation so that an old, expired chain never trips reuse handling.
func (s *RefreshService) classifyRejected(ctx context.Context, id string, now time.Time) (*RotateResult, error) {
	tok, err := s.repo.Get(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return &RotateResult{Outcome: RotateInvalid}, nil
	}
	if err != nil {
		return nil, services.ErrStoreUnavailable.Wrap(err)
	}

	result := &RotateResult{Outcome: RotateInvalid, UserID: tok.UserID, Family: tok.Family}
	if tok.IsExpired(now) || !tok.IsRevoked() {
		return result, nil
	}

	n, err := s.repo.RevokeFamily(ctx, tok.Family, now)
	if err != nil {
		return nil, services.ErrStoreUnavailable.Wrap(err)
	}
	result.Outcome = RotateReuseDetected

	s.logger.Warn("refresh token reuse detected",
		zap.String("user_id", tok.UserID),
		zap.String("family", tok.Family),
		zap.Int64("revoked", n),
	)
	s.emit(models.NewSecurityEvent(models.SecurityEventTokenReuse, tok.UserID).
		WithReference(tok.Family).
		WithDetails(map[string]interface{}{"revoked_tokens": n}))
	return result, nil
}

// RevokeFamily revokes every live token of a family
func (s *RefreshService) RevokeFamily(ctx context.Context, family string) (int64, error) {
	n, err := s.repo.RevokeFamily(ctx, family, s.clock())
	if err != nil {
		return 0, services.ErrStoreUnavailable.Wrap(err)
	}
	s.logger.Info("refresh family revoked", zap.String("family", family), zap.Int64("count", n))
	return n, nil
}

// RevokeToken revokes the family the presented token belongs to.
// Unknown tokens are ignored so logout is idempotent.
func (s *RefreshService) RevokeToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	tok, err := s.repo.Get(ctx, HashSecret(token))
	if errors.Is(err, repositories.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, services.ErrStoreUnavailable.Wrap(err)
	}
	return s.RevokeFamily(ctx, tok.Family)
}

// RevokeAllForUser revokes every live token of a user
func (s *RefreshService) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.RevokeAllForUser(ctx, userID, s.clock())
	if err != nil {
		return 0, services.ErrStoreUnavailable.Wrap(err)
	}
	s.logger.Info("all refresh tokens revoked", zap.String("user_id", userID), zap.Int64("count", n))
	s.emit(models.NewSecurityEvent(models.SecurityEventLogoutAll, userID).
		WithDetails(map[string]interface{}{"revoked_tokens": n}))
	return n, nil
}

// Prune deletes tokens that expired before now
func (s *RefreshService) Prune(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, services.ErrStoreUnavailable.Wrap(err)
	}
	return n, nil
}

func (s *RefreshService) emit(evt *models.SecurityEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.LogEvent(evt); err != nil {
		s.logger.Error("failed to queue security event",
			zap.String("kind", string(evt.Kind)),
			zap.Error(err),
		)
	}
}
