package postgres

import (
	"context"

	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/repositories/sqltx"
	"go.uber.org/zap"
)

// NewTransactionManager creates a new transaction manager on the primary pool
func NewTransactionManager(db *DB, logger *zap.Logger) repositories.TransactionManager {
	return sqltx.NewManager(db.DB, nil, logger)
}

// GetExecutor returns the transaction carried by ctx for this pool, or the pool itself
func GetExecutor(ctx context.Context, db *DB) sqltx.Executor {
	return sqltx.GetExecutor(ctx, db.DB)
}
