package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_ENDPOINT", "DATABASE_TIMEOUT_SECONDS",
		"LINK_CODE_MAX_ATTEMPTS", "LINK_VERIFY_MAX_FAILURES",
		"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
		"AUDIT_DB", "AUDIT_DSN",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_ENDPOINT", "http://db.local:8080/")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://db.local:8080", cfg.Gateway.Endpoint)
	assert.Equal(t, ":27016", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout())
	assert.Equal(t, 10, cfg.Linking.MaxCodeAttempts)
	assert.Equal(t, 5, cfg.Linking.MaxVerifyFailures)
	assert.Equal(t, 15*time.Minute, cfg.VerifyWindow())
	assert.Empty(t, cfg.Audit.Driver)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_ENDPOINT", "https://db.example")
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("LINK_CODE_MAX_ATTEMPTS", "3")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("AUDIT_DSN", ":memory:")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, 3, cfg.Linking.MaxCodeAttempts)
	assert.Equal(t, "cache", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "sqlite3", cfg.Audit.Driver)
	assert.Equal(t, ":memory:", cfg.Databases["sqlite3"].DSN)
}

func TestLoadRejectsInvalidInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_ENDPOINT", "http://db")
	t.Setenv("LINK_CODE_MAX_ATTEMPTS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LINK_CODE_MAX_ATTEMPTS")
}

func TestLoadRequiresEndpoint(t *testing.T) {
	clearEnv(t)

	_, err := Load("")
	require.Error(t, err)

	t.Setenv("DATABASE_ENDPOINT", "db.local")
	_, err = Load("")
	require.Error(t, err)
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
basic_config:
  server_address: ":8000"
gateway:
  endpoint: http://store:3000
  timeout_seconds: 4
linking:
  max_code_attempts: 7
audit:
  driver: sqlite3
databases:
  sqlite3:
    dsn: data/audit.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "http://store:3000", cfg.Gateway.Endpoint)
	assert.Equal(t, 4*time.Second, cfg.GatewayTimeout())
	assert.Equal(t, 7, cfg.Linking.MaxCodeAttempts)
	assert.Equal(t, filepath.Join(dir, "data/audit.db"), cfg.Databases["sqlite3"].DSN)
}

func TestLoadJSONFileWithUnknownAuditDriver(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"gateway":{"endpoint":"http://store"},"audit":{"driver":"mysql"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

func TestLoadExplicitMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_ENDPOINT", "http://db")

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
