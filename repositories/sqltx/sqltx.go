// Package sqltx carries database/sql transactions through a context so that
// repositories written against Executor join a caller's transaction transparently.
package sqltx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

// transactionContextKey is the context key for storing transactions
type transactionContextKey struct{}

// Executor is an interface that can execute queries (both *sql.DB and *sql.Tx)
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Manager implements repositories.TransactionManager for one connection pool
type Manager struct {
	db     *sql.DB
	opts   *sql.TxOptions
	logger *zap.Logger
}

// NewManager creates a new transaction manager
func NewManager(db *sql.DB, opts *sql.TxOptions, logger *zap.Logger) *Manager {
	return &Manager{
		db:     db,
		opts:   opts,
		logger: logger,
	}
}

// Begin starts a new transaction
func (m *Manager) Begin(ctx context.Context) (repositories.Transaction, error) {
	sqlTx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	m.logger.Debug("transaction started")

	tx := &Transaction{
		tx:     sqlTx,
		db:     m.db,
		logger: m.logger,
	}
	tx.ctx = context.WithValue(ctx, transactionContextKey{}, tx)
	return tx, nil
}

// InTransaction executes a function within a transaction
// Automatically commits if function succeeds, rolls back on error
func (m *Manager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx.Context(), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("original_error", err),
			)
		}
		return err
	}

	return tx.Commit()
}

// Transaction implements the repositories.Transaction interface
type Transaction struct {
	tx     *sql.Tx
	db     *sql.DB
	ctx    context.Context
	logger *zap.Logger
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.logger.Debug("transaction committed")
	return nil
}

// Rollback rolls back the transaction
func (t *Transaction) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return nil
		}
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	t.logger.Debug("transaction rolled back")
	return nil
}

// Context returns a context that routes repository calls through this transaction
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// FromContext retrieves a transaction from the context if available
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(transactionContextKey{}).(*Transaction)
	return tx, ok
}

// GetExecutor returns the transaction in ctx when it was opened on db,
// otherwise db itself. A transaction on another pool is never borrowed.
func GetExecutor(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := FromContext(ctx); ok && tx.db == db {
		return tx.tx
	}
	return db
}
