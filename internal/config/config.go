// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
	Generation    GenerationConfig    `yaml:"generation" toml:"generation"`
	Sending       SendingConfig       `yaml:"sending" toml:"sending"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKeys   []APIKeyConfig `yaml:"api_keys" toml:"api_keys"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// APIKeyConfig maps a bcrypt-hashed API key to the principal it authenticates
type APIKeyConfig struct {
	Principal string `yaml:"principal" toml:"principal"`
	Hash      string `yaml:"hash" toml:"hash"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// GenerationConfig selects and bounds the reply generator
type GenerationConfig struct {
	Kind           string        `yaml:"kind" toml:"kind"`
	Timeout        time.Duration `yaml:"-" toml:"-"`
	TokenDelay     time.Duration `yaml:"-" toml:"-"`
	PersistTimeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	TokenDelayRaw     string `yaml:"token_delay" toml:"token_delay"`
	PersistTimeoutRaw string `yaml:"persist_timeout" toml:"persist_timeout"`
}

// SendingConfig holds per-principal limits on sending messages
type SendingConfig struct {
	RatePerSecond      float64       `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst              int           `yaml:"burst" toml:"burst"`
	IdempotencyMaxKeys int           `yaml:"idempotency_max_keys" toml:"idempotency_max_keys"`
	IdempotencyTTL     time.Duration `yaml:"-" toml:"-"`

	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// ConversationsConfig holds conversation defaults
type ConversationsConfig struct {
	TitleMaxLen int `yaml:"title_max_len" toml:"title_max_len"`
}

// maxTitleLen mirrors the longest title the service accepts.
const maxTitleLen = 200

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "127.0.0.1:8080",
			ShutdownTimeoutRaw: "10s",
		},
		Database: DatabaseConfig{
			Path: "coven-chat.db",
		},
		Auth: AuthConfig{
			TokenTTLRaw: "720h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Generation: GenerationConfig{
			Kind:              "scripted",
			TimeoutRaw:        "2m",
			TokenDelayRaw:     "30ms",
			PersistTimeoutRaw: "5s",
		},
		Sending: SendingConfig{
			RatePerSecond:      5,
			Burst:              10,
			IdempotencyMaxKeys: 10000,
			IdempotencyTTLRaw:  "10m",
		},
		Conversations: ConversationsConfig{
			TitleMaxLen: 60,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes configuration content. ext selects the format (".toml" or YAML).
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.jwt_secret or auth.api_keys is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Principal == "" || k.Hash == "" {
			return fmt.Errorf("auth.api_keys[%d] needs principal and hash", i)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	switch c.Generation.Kind {
	case "scripted", "echo":
	default:
		return fmt.Errorf("generation.kind %q is not one of scripted, echo", c.Generation.Kind)
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("generation.timeout must be positive")
	}
	if c.Generation.TokenDelay < 0 {
		return fmt.Errorf("generation.token_delay must not be negative")
	}

	if c.Sending.RatePerSecond < 0 {
		return fmt.Errorf("sending.rate_per_second must not be negative")
	}
	if c.Sending.RatePerSecond > 0 && c.Sending.Burst < 1 {
		return fmt.Errorf("sending.burst must be at least 1 when rate limiting is enabled")
	}

	if c.Conversations.TitleMaxLen < 1 || c.Conversations.TitleMaxLen > maxTitleLen {
		return fmt.Errorf("conversations.title_max_len must be between 1 and %d", maxTitleLen)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"generation.timeout", cfg.Generation.TimeoutRaw, &cfg.Generation.Timeout},
		{"generation.token_delay", cfg.Generation.TokenDelayRaw, &cfg.Generation.TokenDelay},
		{"generation.persist_timeout", cfg.Generation.PersistTimeoutRaw, &cfg.Generation.PersistTimeout},
		{"sending.idempotency_ttl", cfg.Sending.IdempotencyTTLRaw, &cfg.Sending.IdempotencyTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Example is a commented starting configuration written by `coven-chat init`.
const Example = `# coven-chat configuration
server:
  http_addr: "127.0.0.1:8080"
  shutdown_timeout: "10s"

database:
  path: "%s"

auth:
  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
  token_ttl: "720h"
  # api_keys:
  #   - principal: "alice"
  #     hash: "$2a$10$..."   # coven-chat hash-key <key>

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"

generation:
  kind: "scripted"   # scripted | echo
  timeout: "2m"
  token_delay: "30ms"
  persist_timeout: "5s"

sending:
  rate_per_second: 5
  burst: 10
  idempotency_ttl: "10m"
  idempotency_max_keys: 10000

conversations:
  title_max_len: 60
`
