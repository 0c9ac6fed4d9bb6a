package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// devSigningKey is only accepted outside production
const devSigningKey = "dev-only-signing-key-change-me-in-production"

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for security events. When nil, the main DB is used.
	Redis         RedisConfig
	Governance    GovernanceConfig
	Idempotency   IdempotencyConfig
	Tokens        TokenConfig
	OIDC          OIDCConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// StoreConfig selects the durable store
type StoreConfig struct {
	Driver     string // postgres or sqlite
	SQLitePath string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the optional Redis ticket store configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// GovernanceConfig holds decision engine settings
type GovernanceConfig struct {
	SchemaVersion string
	TablesPath    string // Optional YAML override of the embedded intent/connector/retention tables
	CELCostLimit  uint64
}

// IdempotencyConfig holds idempotency store timings
type IdempotencyConfig struct {
	PendingTTL    time.Duration // lease of an unfinished claim
	RetentionTTL  time.Duration // how long completed results are replayable
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	PruneInterval time.Duration
}

// TokenConfig holds refresh token, ticket and access token settings
type TokenConfig struct {
	RefreshTTL   time.Duration
	TicketTTL    time.Duration
	AccessTTL    time.Duration
	SigningKey   string
	Issuer       string
	CookieSecure bool
}

// OIDCConfig holds the identity provider endpoints used by the login flow
type OIDCConfig struct {
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	FrontEndURL  string // Post-login redirect target
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
	ServiceName    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", true),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(getEnv("STORE_DRIVER", StoreDriverSQLite)),
			SQLitePath: getEnv("SQLITE_PATH", "data/gateway.db"),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Governance: GovernanceConfig{
			SchemaVersion: getEnv("DECISION_SCHEMA_VERSION", "decision.v1"),
			TablesPath:    getEnv("GOVERNANCE_TABLES_PATH", ""),
			CELCostLimit:  uint64(getEnvAsInt("GOVERNANCE_CEL_COST_LIMIT", 10000)),
		},
		Idempotency: IdempotencyConfig{
			PendingTTL:    getEnvAsDuration("IDEMPOTENCY_PENDING_TTL", 30*time.Second),
			RetentionTTL:  getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			WaitTimeout:   getEnvAsDuration("IDEMPOTENCY_WAIT_TIMEOUT", 10*time.Second),
			PollInterval:  getEnvAsDuration("IDEMPOTENCY_POLL_INTERVAL", 100*time.Millisecond),
			PruneInterval: getEnvAsDuration("IDEMPOTENCY_PRUNE_INTERVAL", 5*time.Minute),
		},
		Tokens: TokenConfig{
			RefreshTTL:   getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			TicketTTL:    getEnvAsDuration("TICKET_TTL", 10*time.Minute),
			AccessTTL:    getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			SigningKey:   getEnv("TOKEN_SIGNING_KEY", devSigningKey),
			Issuer:       getEnv("TOKEN_ISSUER", "civic-gateway"),
			CookieSecure: getEnvAsBool("COOKIE_SECURE", true),
		},
		OIDC: OIDCConfig{
			AuthorizeURL: getEnv("OIDC_AUTHORIZE_URL", ""),
			TokenURL:     getEnv("OIDC_TOKEN_URL", ""),
			UserInfoURL:  getEnv("OIDC_USERINFO_URL", ""),
			ClientID:     getEnv("OIDC_CLIENT_ID", ""),
			ClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("OIDC_REDIRECT_URI", "https://localhost:8443/auth/callback"),
			Scopes:       getEnvAsList("OIDC_SCOPES", []string{"openid", "profile", "email"}),
			FrontEndURL:  getEnv("FRONT_END_URL", "http://localhost:5173"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			ServiceName:    getEnv("SERVICE_NAME", "civic-gateway"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required when STORE_DRIVER=sqlite")
		}
	case StoreDriverPostgres:
		// Database validation (DATABASE_URL or DB_* vars)
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unsupported store driver %q: use postgres or sqlite", c.Store.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when REDIS_ENABLED=true")
	}

	if c.Governance.SchemaVersion == "" {
		return fmt.Errorf("decision schema version is required")
	}

	if c.Idempotency.PendingTTL <= 0 || c.Idempotency.RetentionTTL <= 0 {
		return fmt.Errorf("idempotency TTLs must be positive")
	}
	if c.Idempotency.WaitTimeout <= 0 || c.Idempotency.PollInterval <= 0 {
		return fmt.Errorf("idempotency wait timeout and poll interval must be positive")
	}

	if len(c.Tokens.SigningKey) < 32 {
		return fmt.Errorf("token signing key must be at least 32 bytes")
	}

	if c.IsProduction() {
		if c.Tokens.SigningKey == devSigningKey {
			return fmt.Errorf("TOKEN_SIGNING_KEY must be set in production")
		}
		if c.OIDC.ClientID == "" || c.OIDC.TokenURL == "" {
			return fmt.Errorf("OIDC client ID and token URL are required in production")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "gateway"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "gateway"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads the security event DB config from DATABASE_URL_AUDIT.
// Returns nil when not set.
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8443)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8443
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
