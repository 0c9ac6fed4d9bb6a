package postgres

import (
	"context"

	"github.com/upb/civic-gateway/config"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db      *DB
	auditDB *DB // Optional: separate DB for security events
	logger  *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.AuditDatabase != nil {
		auditDB, err := NewDB(*cfg.AuditDatabase, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		f.auditDB = auditDB
	}

	return f, nil
}

// InitSchema creates the gateway tables, and the security event table on whichever DB hosts it
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	if err := f.db.InitSchema(ctx); err != nil {
		return err
	}
	return f.securityDB().InitSecuritySchema(ctx)
}

// NewRepositories creates all repository instances.
// Decision audit records stay on the primary DB so they commit with the idempotency row.
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Idempotency:    NewIdempotencyRepository(f.db, f.logger),
		AuditRecords:   NewAuditRepository(f.db, f.logger),
		SecurityEvents: NewSecurityEventRepository(f.securityDB(), f.logger),
		RefreshTokens:  NewRefreshTokenRepository(f.db, f.logger),
		Tickets:        NewTicketRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// HealthCheck checks every database the factory holds
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if err := f.db.HealthCheck(ctx); err != nil {
		return err
	}
	if f.auditDB != nil {
		return f.auditDB.HealthCheck(ctx)
	}
	return nil
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.auditDB != nil {
		_ = f.auditDB.Close()
	}
	return f.db.Close()
}

func (f *RepositoryFactory) securityDB() *DB {
	if f.auditDB != nil {
		return f.auditDB
	}
	return f.db
}
