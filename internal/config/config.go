package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = "27016"
	defaultGatewayTimeout     = 10
	defaultCodeAttempts       = 10
	defaultVerifyFailures     = 5
	defaultVerifyWindowMinute = 15
	defaultAuditQueueSize     = 256
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Gateway     GatewayConfig             `json:"gateway" yaml:"gateway"`
	Linking     LinkingConfig             `json:"linking" yaml:"linking"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Audit       AuditConfig               `json:"audit" yaml:"audit"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" yaml:"server_address"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
}

// GatewayConfig points at the REST profile store.
type GatewayConfig struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// LinkingConfig tunes the account linking workflow.
type LinkingConfig struct {
	MaxCodeAttempts     int `json:"max_code_attempts" yaml:"max_code_attempts"`
	MaxVerifyFailures   int `json:"max_verify_failures" yaml:"max_verify_failures"`
	VerifyWindowMinutes int `json:"verify_window_minutes" yaml:"verify_window_minutes"`
}

// RedisConfig is optional; an empty host disables the redis-backed limiter.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// AuditConfig selects the database (a key of Databases) used for the
// resolution audit trail. An empty driver disables auditing.
type AuditConfig struct {
	Driver             string `json:"driver" yaml:"driver"`
	MinWorkers         int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers         int    `json:"max_workers" yaml:"max_workers"`
	QueueSize          int    `json:"queue_size" yaml:"queue_size"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// GatewayTimeout returns the per-request timeout for store calls.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// AuditIdleTimeout is how long an idle audit worker above the minimum lives.
func (c *Config) AuditIdleTimeout() time.Duration {
	return time.Duration(c.Audit.IdleTimeoutSeconds) * time.Second
}

// VerifyWindow is how long failed verification attempts are counted.
func (c *Config) VerifyWindow() time.Duration {
	return time.Duration(c.Linking.VerifyWindowMinutes) * time.Minute
}

// Load reads configuration from the provided path, then applies .env and
// environment overrides. An empty path means "config.json if it exists".
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := decodeFile(absPath, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		resolveDatabasePaths(&cfg, filepath.Dir(absPath))
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

// resolveDatabasePaths makes relative sqlite paths relative to the config file.
func resolveDatabasePaths(cfg *Config, baseDir string) {
	for name, db := range cfg.Databases {
		if !isSQLite(name) || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}
}

func (c *Config) applyEnvOverrides() error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if strings.Contains(port, " ") {
			return fmt.Errorf("invalid PORT value: %q", port)
		}
		if strings.Contains(port, ":") {
			c.BasicConfig.ServerAddress = port
		} else {
			c.BasicConfig.ServerAddress = ":" + port
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.BasicConfig.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_ENDPOINT")); v != "" {
		c.Gateway.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_HOST")); v != "" {
		c.Redis.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		c.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("AUDIT_DB")); v != "" {
		c.Audit.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("AUDIT_DSN")); v != "" {
		if c.Audit.Driver == "" {
			c.Audit.Driver = "sqlite3"
		}
		if c.Databases == nil {
			c.Databases = make(map[string]DatabaseConfig)
		}
		db := c.Databases[c.Audit.Driver]
		db.DSN = v
		c.Databases[c.Audit.Driver] = db
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DATABASE_TIMEOUT_SECONDS", &c.Gateway.TimeoutSeconds},
		{"LINK_CODE_MAX_ATTEMPTS", &c.Linking.MaxCodeAttempts},
		{"LINK_VERIFY_MAX_FAILURES", &c.Linking.MaxVerifyFailures},
		{"REDIS_PORT", &c.Redis.Port},
		{"REDIS_DB", &c.Redis.DB},
	}
	for _, item := range ints {
		val, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return err
		}
		if val != nil {
			*item.dst = *val
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":" + defaultPort
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		c.Gateway.TimeoutSeconds = defaultGatewayTimeout
	}
	c.Gateway.Endpoint = strings.TrimRight(c.Gateway.Endpoint, "/")
	if c.Linking.MaxCodeAttempts <= 0 {
		c.Linking.MaxCodeAttempts = defaultCodeAttempts
	}
	if c.Linking.MaxVerifyFailures <= 0 {
		c.Linking.MaxVerifyFailures = defaultVerifyFailures
	}
	if c.Linking.VerifyWindowMinutes <= 0 {
		c.Linking.VerifyWindowMinutes = defaultVerifyWindowMinute
	}
	if c.Audit.MinWorkers <= 0 {
		c.Audit.MinWorkers = 1
	}
	if c.Audit.MaxWorkers < c.Audit.MinWorkers {
		c.Audit.MaxWorkers = c.Audit.MinWorkers
	}
	if c.Audit.QueueSize <= 0 {
		c.Audit.QueueSize = defaultAuditQueueSize
	}
}

func (c *Config) validate() error {
	if c.Gateway.Endpoint == "" {
		return fmt.Errorf("DATABASE_ENDPOINT must be configured")
	}
	if !strings.HasPrefix(c.Gateway.Endpoint, "http://") && !strings.HasPrefix(c.Gateway.Endpoint, "https://") {
		return fmt.Errorf("invalid database endpoint %q: scheme must be http or https", c.Gateway.Endpoint)
	}
	if c.Audit.Driver != "" {
		if _, ok := c.Databases[c.Audit.Driver]; !ok {
			return fmt.Errorf("database config for audit driver %s not found", c.Audit.Driver)
		}
	}
	return nil
}

func isSQLite(name string) bool {
	n := strings.ToLower(name)
	return n == "sqlite" || n == "sqlite3"
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
