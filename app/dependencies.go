package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/civic-gateway/auth"
	"github.com/upb/civic-gateway/config"
	"github.com/upb/civic-gateway/internal/observability"
	"github.com/upb/civic-gateway/middleware"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/repositories/postgres"
	"github.com/upb/civic-gateway/repositories/redisstore"
	"github.com/upb/civic-gateway/repositories/sqlite"
	"github.com/upb/civic-gateway/services/audit"
	"github.com/upb/civic-gateway/services/decisions"
	"github.com/upb/civic-gateway/services/governance"
	"github.com/upb/civic-gateway/services/idempotency"
	"github.com/upb/civic-gateway/services/identity"
	"github.com/upb/civic-gateway/services/tokens"
	"go.uber.org/zap"
)

const (
	conditionCacheSize = 512
	tokenPruneInterval = 10 * time.Minute
	writerStopTimeout  = 5 * time.Second
)

// Store is the durable backend behind the repositories
type Store interface {
	repositories.HealthChecker
	NewRepositories() *repositories.Repositories
	GetTransactionManager() repositories.TransactionManager
	Close() error
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Store   Store
	Redis   *redis.Client
	Metrics *observability.Metrics

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Engine         *governance.Engine
	Conditions     *governance.ConditionEvaluator
	Idempotency    *idempotency.Store
	AccessTokens   *tokens.AccessTokens
	RefreshTokens  *tokens.RefreshService
	Tickets        *tokens.TicketService
	SecurityEvents *audit.SecurityEventWriter
	Decisions      *decisions.DecisionService
	Identity       *identity.OIDCExchanger

	// Auth
	authHandler    *auth.Handler
	AuthMiddleware *middleware.AuthMiddleware

	// HealthCheckers are probed by the readiness endpoint, keyed by component
	HealthCheckers map[string]repositories.HealthChecker

	stopWorkers context.CancelFunc
}

// AuthHandler returns the auth handler for route wiring
func (d *Dependencies) AuthHandler() *auth.Handler {
	return d.authHandler
}

// NewDependencies creates and wires up all application dependencies.
// Background workers run until Close is called.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:         cfg,
		Logger:         logger,
		HealthCheckers: make(map[string]repositories.HealthChecker),
	}

	if err := deps.initMetrics(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := deps.initStore(ctx, cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil,fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := deps.initTickets(ctx, cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize ticket store: %w", err)
	}

	if err := deps.initGovernance(cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize governance engine: %w", err)
	}

	if err := deps.initSecurityEvents(); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize security event writer: %w", err)
	}

	deps.initTokens(cfg)
	deps.initDecisions(cfg)
	deps.initAuth(cfg)
	deps.startWorkers(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("redis_tickets", deps.Redis != nil),
		zap.Bool("metrics", deps.Metrics != nil),
	)
	return deps, nil
}

func (d *Dependencies) initMetrics(cfg *config.Config) error {
	if !cfg.Observability.MetricsEnabled {
		return nil
	}
	metrics, err := observability.NewMetrics(cfg.Observability.ServiceName)
	if err != nil {
		return err
	}
	d.Metrics = metrics
	return nil
}

// initStore opens the configured durable store and its repositories
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Store.SQLitePath, d.Logger)
		if err != nil {
			return err
		}
		d.Store = store
	case config.StoreDriverPostgres:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		d.Store = factory
		d.Logger.Info("database connection established",
			zap.String("connection", cfg.Database.LogString()))
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	d.Repos = d.Store.NewRepositories()
	d.TxManager = d.Store.GetTransactionManager()
	d.HealthCheckers["store"] = d.Store

	d.Logger.Info("repositories initialized")
	return nil
}

// initTickets moves one-time tickets to Redis when it is enabled
func (d *Dependencies) initTickets(ctx context.Context, cfg *config.Config) error {
	if !cfg.Redis.Enabled {
		return nil
	}
	client, err := redisstore.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	store := redisstore.NewTicketStore(client, d.Logger)
	d.Redis = client
	d.Repos.Tickets = store
	d.HealthCheckers["redis"] = store

	d.Logger.Info("redis ticket store enabled", zap.String("addr", cfg.Redis.Addr))
	return nil
}

func (d *Dependencies) initGovernance(cfg *config.Config) error {
	tables, err := governance.DefaultTables()
	if cfg.Governance.TablesPath != "" {
		tables, err = governance.LoadTables(cfg.Governance.TablesPath)
	}
	if err != nil {
		return err
	}

	conditions, err := governance.NewConditionEvaluator(cfg.Governance.CELCostLimit, conditionCacheSize)
	if err != nil {
		return err
	}

	d.Conditions = conditions
	d.Engine = governance.NewEngine(tables, conditions, cfg.Governance.SchemaVersion, d.Logger,
		governance.WithMetrics(d.Metrics))

	d.Logger.Info("governance engine initialized",
		zap.String("schema_version", cfg.Governance.SchemaVersion),
		zap.String("tables", tablesSource(cfg)),
	)
	return nil
}

func tablesSource(cfg *config.Config) string {
	if cfg.Governance.TablesPath == "" {
		return "embedded"
	}
	return cfg.Governance.TablesPath
}

func (d *Dependencies) initSecurityEvents() error {
	writer := audit.NewSecurityEventWriter(d.Repos.SecurityEvents, d.Metrics, d.Logger, audit.DefaultConfig())
	if err := writer.Start(); err != nil {
		return err
	}
	d.SecurityEvents = writer
	return nil
}

func (d *Dependencies) initTokens(cfg *config.Config) {
	d.AccessTokens = tokens.NewAccessTokens(cfg.Tokens.SigningKey, cfg.Tokens.Issuer, cfg.Tokens.AccessTTL)
	d.RefreshTokens = tokens.NewRefreshService(d.Repos.RefreshTokens, d.TxManager, d.AccessTokens,
		d.SecurityEvents, cfg.Tokens.RefreshTTL, d.Metrics, d.Logger)
	d.Tickets = tokens.NewTicketService(d.Repos.Tickets, cfg.Tokens.TicketTTL, d.Metrics, d.Logger)
}

func (d *Dependencies) initDecisions(cfg *config.Config) {
	d.Idempotency = idempotency.NewStore(d.Repos.Idempotency, d.Repos.AuditRecords, d.TxManager,
		idempotency.Config{
			PendingTTL:   cfg.Idempotency.PendingTTL,
			RetentionTTL: cfg.Idempotency.RetentionTTL,
			WaitTimeout:  cfg.Idempotency.WaitTimeout,
			PollInterval: cfg.Idempotency.PollInterval,
		},
		d.Logger,
		idempotency.WithMetrics(d.Metrics),
	)
	d.Decisions = decisions.NewDecisionService(d.Engine, d.Idempotency, d.SecurityEvents, d.Logger)
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Tokens.SigningKey == "" {
		d.Logger.Warn("token signing key not configured, protected routes disabled")
		// Use reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
	} else {
		d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.NewAccessTokenValidator(d.AccessTokens), d.Logger)
	}

	d.Identity = identity.NewOIDCExchanger(cfg.OIDC)
	if !d.Identity.Configured() {
		d.Logger.Warn("identity provider not configured, login endpoints disabled")
	}
	d.authHandler = auth.NewHandler(cfg, d.Identity, d.Tickets, d.RefreshTokens, d.Logger)
	d.Logger.Info("auth handler initialized")
}

// startWorkers launches the prune loops for idempotency rows, refresh tokens and tickets
func (d *Dependencies) startWorkers(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	d.stopWorkers = cancel

	if cfg.Idempotency.PruneInterval > 0 {
		d.Idempotency.StartPruneWorker(ctx, cfg.Idempotency.PruneInterval)
	}
	tokens.StartPruneWorker(ctx, tokenPruneInterval, d.Logger, map[string]tokens.Pruner{
		"refresh_tokens": d.RefreshTokens,
		"tickets":        d.Tickets,
	})
}

// rejectAllValidator rejects all tokens (used when no signing key is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopWorkers != nil {
		d.stopWorkers()
	}

	// Drain queued security events before the store goes away
	if d.SecurityEvents != nil {
		if err := d.SecurityEvents.Stop(writerStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop security event writer: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		} else {
			d.Logger.Info("store closed")
		}
	}

	if d.Metrics != nil {
		if err := d.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down metrics: %w", err))
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}

// closeQuietly releases whatever a failed NewDependencies already opened
func (d *Dependencies) closeQuietly(ctx context.Context) {
	if err := d.Close(ctx); err != nil {
		d.Logger.Warn("cleanup after failed initialization", zap.Error(err))
	}
}
