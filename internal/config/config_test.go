package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENV", "NODE_ENV", "PORT", "SITE_URL", "DB_ADAPTER", "STATE_STORE", "REDIS_URL",
		"POSTGRES_DSN", "DATABASE_URL", "POSTGRES_HOST", "OAUTH_CALLBACK_MODE",
		"PROVIDER_TIMEOUT", "RATE_LIMIT_PER_MINUTE", "SUPABASE_JWT_SECRET",
		"TOKEN_ENCRYPTION_KEY", "NOTION_CLIENT_ID", "NOTION_CLIENT_SECRET",
		"TRUST_PROXY_HEADERS",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "8080", c.Port)
	require.Equal(t, "memory", c.DBAdapter)
	require.Equal(t, "memory", c.StateStore)
	require.Equal(t, "exchange", c.OAuthCallbackMode)
	require.Equal(t, 15*time.Second, c.ProviderTimeout)
	require.Equal(t, 120, c.RateLimitPerMinute)
	require.False(t, c.TrustProxyHeaders)
	require.False(t, c.Production())
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"port":          {"PORT": "http"},
		"site url":      {"SITE_URL": "localhost"},
		"timeout":       {"PROVIDER_TIMEOUT": "soon"},
		"adapter":       {"DB_ADAPTER": "mongo"},
		"state store":   {"STATE_STORE": "disk"},
		"redis url":     {"STATE_STORE": "redis"},
		"callback mode": {"OAUTH_CALLBACK_MODE": "push"},
		"trust proxy":   {"TRUST_PROXY_HEADERS": "sometimes"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := New()
			require.Error(t, err)
		})
	}
}

func TestProductionRequiresSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("SITE_URL", "https://momento.example.com")
	t.Setenv("DB_ADAPTER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://momento@db/momento")
	_, err := New()
	require.ErrorContains(t, err, "SUPABASE_JWT_SECRET")

	t.Setenv("SUPABASE_JWT_SECRET", "jwt-secret")
	_, err = New()
	require.ErrorContains(t, err, "TOKEN_ENCRYPTION_KEY")

	t.Setenv("TOKEN_ENCRYPTION_KEY", "key")
	c, err := New()
	require.NoError(t, err)
	require.True(t, c.Production())
	require.Equal(t, "postgres://momento@db/momento", c.PostgresDSN)
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresHost: "db", PostgresUser: "momento", PostgresDB: "momento", PostgresPassword: "pw"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	require.Equal(t, "host=db port=5432 user=momento dbname=momento sslmode=disable password=pw", dsn)

	_, err = (&Config{PostgresUser: "u", PostgresDB: "d"}).BuildPostgresDSN()
	require.Error(t, err)
}

func TestLoadReadsDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("NOTION_CLIENT_ID")
	os.Unsetenv("NOTION_CLIENT_SECRET")
	t.Cleanup(func() {
		os.Unsetenv("NOTION_CLIENT_ID")
		os.Unsetenv("NOTION_CLIENT_SECRET")
	})
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NOTION_CLIENT_ID=from-file\nNOTION_CLIENT_SECRET=s3cret\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", c.Notion.ClientID)
	require.Equal(t, "s3cret", c.Notion.ClientSecret)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
