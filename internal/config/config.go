// ABOUTME: Configuration loading and parsing for hostlink-core
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hostlink-core configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Commands CommandsConfig `yaml:"commands"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds token signing and agent registration secrets
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	APIKey     string        `yaml:"api_key"`
	APIKeyHash string        `yaml:"api_key_hash"` // bcrypt hash, preferred over api_key
	TokenTTL   time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// AgentsConfig holds per-socket timing
type AgentsConfig struct {
	PingInterval time.Duration `yaml:"-"`
	ReadTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
	ReadTimeoutRaw  string `yaml:"read_timeout"`
}

// CommandsConfig holds command bookkeeping windows
type CommandsConfig struct {
	Retention        time.Duration `yaml:"-"`
	DispatchGrace    time.Duration `yaml:"-"`
	MetricsRetention time.Duration `yaml:"-"`

	RetentionRaw        string `yaml:"retention"`
	DispatchGraceRaw    string `yaml:"dispatch_grace"`
	MetricsRetentionRaw string `yaml:"metrics_retention"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8000"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = time.Hour
	}
	if c.Agents.PingInterval == 0 {
		c.Agents.PingInterval = 30 * time.Second
	}
	if c.Agents.ReadTimeout == 0 {
		c.Agents.ReadTimeout = 3 * c.Agents.PingInterval
	}
	if c.Commands.Retention == 0 {
		c.Commands.Retention = 60 * time.Second
	}
	if c.Commands.DispatchGrace == 0 {
		c.Commands.DispatchGrace = 10 * time.Second
	}
	if c.Commands.MetricsRetention == 0 {
		c.Commands.MetricsRetention = 7 * 24 * time.Hour
	}
	c.Sandbox.applyDefaults()
	c.Logging.applyDefaults()
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
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Auth.APIKey == "" && c.Auth.APIKeyHash == "" {
		return fmt.Errorf("auth.api_key or auth.api_key_hash is required")
	}
	if c.Agents.ReadTimeout <= c.Agents.PingInterval {
		return fmt.Errorf("agents.read_timeout must be longer than agents.ping_interval")
	}
	if err := c.Sandbox.Validate("sandbox"); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	return parseDurationFields([]durationField{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"agents.ping_interval", cfg.Agents.PingIntervalRaw, &cfg.Agents.PingInterval},
		{"agents.read_timeout", cfg.Agents.ReadTimeoutRaw, &cfg.Agents.ReadTimeout},
		{"commands.retention", cfg.Commands.RetentionRaw, &cfg.Commands.Retention},
		{"commands.dispatch_grace", cfg.Commands.DispatchGraceRaw, &cfg.Commands.DispatchGrace},
		{"commands.metrics_retention", cfg.Commands.MetricsRetentionRaw, &cfg.Commands.MetricsRetention},
		{"sandbox.timeout", cfg.Sandbox.TimeoutRaw, &cfg.Sandbox.Timeout},
	})
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func parseDurationFields(fields []durationField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
