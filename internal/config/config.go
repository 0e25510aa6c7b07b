package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// OAuth client credentials for one integration. An integration with no
// client id is reported as CONFIG_MISSING when a user tries to connect it.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

type Config struct {
	Env        string
	Port       string
	SiteURL    string
	LogLevel   string
	DBAdapter  string
	SQLiteFile string
	// StateStore selects where OAuth state lives: memory, db or redis.
	StateStore    string
	RedisURL      string
	MigrationsDir string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	Notion OAuthClient
	Figma  OAuthClient
	Claude OAuthClient
	// OAuthCallbackMode is "exchange" (the callback completes the token
	// exchange) or "relay" (the callback hands code and state to the opener).
	OAuthCallbackMode  string
	ProviderTimeout    time.Duration
	TokenEncryptionKey string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseJWTSecret  string

	RateLimitPerMinute int
	// TrustProxyHeaders makes the rate limiter key anonymous callers on
	// X-Forwarded-For instead of the peer address.
	TrustProxyHeaders bool
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// Production reports whether ENV (or NODE_ENV) names a production deployment.
func (c *Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

// SupabaseConfigured reports whether the identity provider admin API can be used.
func (c *Config) SupabaseConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

// Load reads a .env file when present and then builds the config from the
// environment. Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return New()
}

func New() (*Config, error) {
	c := &Config{
		Env:           strings.ToLower(getenv("ENV", getenv("NODE_ENV", "development"))),
		Port:          getenv("PORT", "8080"),
		SiteURL:       strings.TrimRight(getenv("SITE_URL", "http://localhost:5173"), "/"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		DBAdapter:     getenv("DB_ADAPTER", "memory"),
		SQLiteFile:    getenv("SQLITE_FILE", "./data/momento.db"),
		StateStore:    getenv("STATE_STORE", "memory"),
		RedisURL:      getenv("REDIS_URL", ""),
		MigrationsDir: getenv("MIGRATIONS_DIR", ""),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", getenv("DATABASE_URL", "")),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "momento")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "momento")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		Notion: OAuthClient{ClientID: getenv("NOTION_CLIENT_ID", ""), ClientSecret: getenv("NOTION_CLIENT_SECRET", "")},
		Figma:  OAuthClient{ClientID: getenv("FIGMA_CLIENT_ID", ""), ClientSecret: getenv("FIGMA_CLIENT_SECRET", "")},
		Claude: OAuthClient{ClientID: getenv("CLAUDE_CLIENT_ID", ""), ClientSecret: getenv("CLAUDE_CLIENT_SECRET", "")},

		OAuthCallbackMode:  strings.ToLower(getenv("OAUTH_CALLBACK_MODE", "exchange")),
		TokenEncryptionKey: getenv("TOKEN_ENCRYPTION_KEY", ""),

		SupabaseURL:        strings.TrimRight(getenv("SUPABASE_URL", ""), "/"),
		SupabaseServiceKey: getenv("SUPABASE_SERVICE_KEY", getenv("SUPABASE_SERVICE_ROLE_KEY", "")),
		SupabaseJWTSecret:  getenv("SUPABASE_JWT_SECRET", ""),
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	u, err := url.Parse(c.SiteURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("SITE_URL must be an absolute URL, got %q", c.SiteURL)
	}

	timeout, err := time.ParseDuration(getenv("PROVIDER_TIMEOUT", "15s"))
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %s", getenv("PROVIDER_TIMEOUT", ""))
	}
	c.ProviderTimeout = timeout

	perMin, err := strconv.Atoi(getenv("RATE_LIMIT_PER_MINUTE", "120"))
	if err != nil || perMin < 0 {
		return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %s", getenv("RATE_LIMIT_PER_MINUTE", ""))
	}
	c.RateLimitPerMinute = perMin

	trust, err := strconv.ParseBool(getenv("TRUST_PROXY_HEADERS", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUST_PROXY_HEADERS: %s", getenv("TRUST_PROXY_HEADERS", ""))
	}
	c.TrustProxyHeaders = trust

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.StateStore {
	case "memory", "db":
	case "redis":
		if c.RedisURL == "" {
			return nil, errors.New("REDIS_URL must be set when STATE_STORE=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported STATE_STORE: %s (supported: memory, db, redis)", c.StateStore)
	}

	if c.OAuthCallbackMode != "exchange" && c.OAuthCallbackMode != "relay" {
		return nil, fmt.Errorf("unsupported OAUTH_CALLBACK_MODE: %s (supported: exchange, relay)", c.OAuthCallbackMode)
	}

	if c.Production() {
		if c.SupabaseJWTSecret == "" {
			return nil, errors.New("SUPABASE_JWT_SECRET must be set in production")
		}
		if c.TokenEncryptionKey == "" {
			return nil, errors.New("TOKEN_ENCRYPTION_KEY must be set in production")
		}
		if c.DBAdapter == "memory" {
			return nil, errors.New("DB_ADAPTER=memory is not allowed in production")
		}
		if u.Scheme != "https" {
			return nil, errors.New("SITE_URL must use https in production")
		}
	}

	return c, nil
}
