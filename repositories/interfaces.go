package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/civic-gateway/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions.
// Repositories pick up the transaction from the context passed to fn.
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// IdempotencyRepository persists idempotency claims.
// Every mutating method is a single conditional statement and reports whether it matched.
type IdempotencyRepository interface {
	// Insert creates a pending row; false means the request id is already taken
	Insert(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)

	// Get retrieves a row by request id
	Get(ctx context.Context, requestID string) (*models.IdempotencyRecord, error)

	// TakeOver resets a row whose expiresAt is at or before now into a fresh pending claim
	TakeOver(ctx context.Context, rec *models.IdempotencyRecord, now time.Time) (bool, error)

	// Complete moves the row owned by claimToken from pending to completed
	Complete(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)

	// Delete removes the pending row owned by claimToken
	Delete(ctx context.Context, requestID, claimToken string) (bool, error)

	// DeleteExpired removes rows whose expiresAt is at or before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditRepository handles the write-once decision audit trail
type AuditRepository interface {
	// Insert inserts a new audit record
	Insert(ctx context.Context, rec *models.AuditRecord) error

	// GetByEventID retrieves an audit record by event id
	GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.AuditRecord, error)

	// ListByWorkspace retrieves audit records for a workspace, newest first
	ListByWorkspace(ctx context.Context, workspaceID string, limit, offset int) ([]*models.AuditRecord, error)
}

// SecurityEventRepository handles security event data operations
type SecurityEventRepository interface {
	// Insert inserts a new security event
	Insert(ctx context.Context, evt *models.SecurityEvent) error

	// ListBySubject retrieves security events for a subject, newest first
	ListBySubject(ctx context.Context, subject string, limit, offset int) ([]*models.SecurityEvent, error)
}

// RefreshTokenRepository handles refresh token rotation chains
type RefreshTokenRepository interface {
	// Create inserts a new refresh token
	Create(ctx context.Context, tok *models.RefreshToken) error

	// Get retrieves a refresh token by id
	Get(ctx context.Context, id string) (*models.RefreshToken, error)

	// RevokeIfActive revokes the token only if it is neither revoked nor expired at now
	RevokeIfActive(ctx context.Context, id, replacedBy string, now time.Time) (bool, error)

	// RevokeFamily revokes every unrevoked token of a family
	RevokeFamily(ctx context.Context, family string, now time.Time) (int64, error)

	// RevokeAllForUser revokes every unrevoked token of a user
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)

	// DeleteExpired removes tokens that expired before the cutoff
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TicketRepository handles one-time tickets
type TicketRepository interface {
	// Create stores a new unused ticket
	Create(ctx context.Context, ticket *models.OneTimeTicket) error

	// Consume marks the ticket used if it is currently unused and returns it.
	// Returns ErrNotFound when the ticket does not exist or was already used.
	Consume(ctx context.Context, token string, now time.Time) (*models.OneTimeTicket, error)

	// DeleteExpired removes tickets that expired before the cutoff
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// HealthChecker is implemented by stores that can report their health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Idempotency    IdempotencyRepository
	AuditRecords   AuditRepository
	SecurityEvents SecurityEventRepository
	RefreshTokens  RefreshTokenRepository
	Tickets        TicketRepository
}
