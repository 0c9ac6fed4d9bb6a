// Package redisstore keeps one-time tickets in Redis so that every gateway
// instance sees the same handshake state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/civic-gateway/config"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

const keyPrefix = "ticket:"

// consumeScript reads and deletes a ticket in one step.
// KEYS[1] = ticket key
var consumeScript = redis.NewScript(`
local value = redis.call("GET", KEYS[1])
if value then
    redis.call("DEL", KEYS[1])
end
return value
`)

// ErrTicketExists is returned when a ticket key is already taken
var ErrTicketExists = errors.New("ticket already exists")

type storedTicket struct {
	Purpose   string    `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Payload   []byte    `json:"payload,omitempty"`
}

// TicketStore implements repositories.TicketRepository on Redis.
// Tickets carry a Redis TTL equal to their lifetime, so DeleteExpired has nothing to do.
type TicketStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewTicketStore creates a ticket store on an existing client
func NewTicketStore(client redis.UniversalClient, logger *zap.Logger) *TicketStore {
	return &TicketStore{client: client, logger: logger}
}

// Create stores the ticket only if its key is free
func (s *TicketStore) Create(ctx context.Context, ticket *models.OneTimeTicket) error {
	ttl := time.Until(ticket.ExpiresAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	value, err := json.Marshal(storedTicket{
		Purpose:   ticket.Purpose,
		CreatedAt: ticket.CreatedAt,
		ExpiresAt: ticket.ExpiresAt,
		Payload:   ticket.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode ticket: %w", err)
	}

	ok, err := s.client.SetNX(ctx, keyPrefix+ticket.Token, value, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	if !ok {
		return ErrTicketExists
	}
	return nil
}

// Consume atomically removes the ticket and returns it marked used
func (s *TicketStore) Consume(ctx context.Context, token string, now time.Time) (*models.OneTimeTicket, error) {
	raw, err := consumeScript.Run(ctx, s.client, []string{keyPrefix + token}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume ticket: %w", err)
	}

	var stored storedTicket
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode ticket: %w", err)
	}

	usedAt := now
	return &models.OneTimeTicket{
		Token:     token,
		Purpose:   stored.Purpose,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
		Used:      true,
		UsedAt:    &usedAt,
		Payload:   stored.Payload,
	}, nil
}

// DeleteExpired is a no-op; Redis expires tickets on its own
func (s *TicketStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// HealthCheck pings Redis
func (s *TicketStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
