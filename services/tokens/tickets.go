package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/upb/civic-gateway/internal/observability"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/services"
	"go.uber.org/zap"
)

// Ticket purposes used by the login flow
const (
	PurposeOAuthState = "oauth_state"
)

// TicketService issues and consumes single-use tickets
type TicketService struct {
	repo    repositories.TicketRepository
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	clock   func() time.Time
}

// NewTicketService creates a ticket service
func NewTicketService(repo repositories.TicketRepository, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *TicketService {
	return &TicketService{
		repo:    repo,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Issue stores a new ticket for purpose and returns the value to hand out
func (s *TicketService) Issue(ctx context.Context, purpose string, payload []byte) (string, error) {
	secret, err := newSecret()
	if err != nil {
		return "", services.WrapInternal("failed to generate ticket", err)
	}
	now := s.clock()

	ticket := &models.OneTimeTicket{
		Token:     HashSecret(secret),
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Payload:   payload,
	}
	if err := s.repo.Create(ctx, ticket); err != nil {
		return "", services.ErrStoreUnavailable.Wrap(err)
	}
	s.metrics.RecordTicket(ctx, "issued")
	return secret, nil
}

// Consume redeems a ticket for purpose and returns its payload. The ticket is
// spent before its expiry and purpose are checked, so a value that fails
// either check can never be retried.
func (s *TicketService) Consume(ctx context.Context, value, purpose string) ([]byte, error) {
	if value == "" {
		s.metrics.RecordTicket(ctx, "rejected")
		return nil, services.ErrInvalidTicket
	}
	now := s.clock()

	ticket, err := s.repo.Consume(ctx, HashSecret(value), now)
	if errors.Is(err, repositories.ErrNotFound) {
		s.metrics.RecordTicket(ctx, "rejected")
		return nil, services.ErrInvalidTicket
	}
	if err != nil {
		return nil, services.ErrStoreUnavailable.Wrap(err)
	}

	if ticket.IsExpired(now) || ticket.Purpose != purpose {
		s.logger.Warn("ticket rejected after consumption",
			zap.String("purpose", ticket.Purpose),
			zap.String("expected_purpose", purpose),
			zap.Bool("expired", ticket.IsExpired(now)),
		)
		s.metrics.RecordTicket(ctx, "rejected")
		return nil, services.ErrInvalidTicket
	}

	s.metrics.RecordTicket(ctx, "consumed")
	if ticket.Payload == nil {
		return []byte{}, nil
	}
	return ticket.Payload, nil
}

// Prune deletes tickets that expired before now
func (s *TicketService) Prune(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, services.ErrStoreUnavailable.Wrap(err)
	}
	return n, nil
}
