// ABOUTME: Agent configuration loaded from TOML with ${VAR} expansion
// ABOUTME: HOSTLINK_* environment variables override file values

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/hostlink/internal/sandbox"
)

// AgentConfig is the hostlink-agent configuration.
type AgentConfig struct {
	Core      CoreSection      `toml:"core"`
	Agent     AgentSection     `toml:"agent"`
	Intervals IntervalsSection `toml:"intervals"`
	Commands  CommandsSection  `toml:"commands"`
	Logging   LoggingConfig    `toml:"logging"`
}

// CoreSection says where Core lives and how to register with it.
type CoreSection struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// AgentSection describes this agent to Core.
type AgentSection struct {
	Name         string   `toml:"name"`
	Hostname     string   `toml:"hostname"`
	Capabilities []string `toml:"capabilities"`
}

// IntervalsSection holds loop timing. Values are duration strings.
type IntervalsSection struct {
	Reconnect time.Duration `toml:"-"`
	Heartbeat time.Duration `toml:"-"`
	Metrics   time.Duration `toml:"-"`
	Retry     time.Duration `toml:"-"`

	ReconnectRaw string `toml:"reconnect"`
	HeartbeatRaw string `toml:"heartbeat"`
	MetricsRaw   string `toml:"metrics"`
	RetryRaw     string `toml:"retry"`
}

// CommandsSection configures the agent's sandbox.
type CommandsSection struct {
	Enabled     *bool         `toml:"enabled"`
	Allowed     []string      `toml:"allowed"`
	DeniedPaths []string      `toml:"denied_paths"`
	MaxFileSize int64         `toml:"max_file_size"`
	WorkDir     string        `toml:"work_dir"`
	Timeout     time.Duration `toml:"-"`
	Retention   time.Duration `toml:"-"`

	TimeoutRaw   string `toml:"timeout"`
	RetentionRaw string `toml:"retention"`
}

// Policy converts the section into an executor policy.
func (c *CommandsSection) Policy() sandbox.Policy {
	return buildPolicy(c.Enabled == nil || *c.Enabled, c.Allowed, c.DeniedPaths, c.MaxFileSize, c.Timeout, c.WorkDir)
}

// DefaultCapabilities are advertised when the config names none.
var DefaultCapabilities = []string{"health", "system", "logs", "fs", "service", "shell"}

// LoadAgent reads the agent TOML file at path. A missing file is not an error
// when the environment supplies the required values.
func LoadAgent(path string) (*AgentConfig, error) {
	var cfg AgentConfig

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
			return nil, fmt.Errorf("parsing agent config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	cfg.applyEnv()

	if err := parseDurationFields([]durationField{
		{"intervals.reconnect", cfg.Intervals.ReconnectRaw, &cfg.Intervals.Reconnect},
		{"intervals.heartbeat", cfg.Intervals.HeartbeatRaw, &cfg.Intervals.Heartbeat},
		{"intervals.metrics", cfg.Intervals.MetricsRaw, &cfg.Intervals.Metrics},
		{"intervals.retry", cfg.Intervals.RetryRaw, &cfg.Intervals.Retry},
		{"commands.timeout", cfg.Commands.TimeoutRaw, &cfg.Commands.Timeout},
		{"commands.retention", cfg.Commands.RetentionRaw, &cfg.Commands.Retention},
	}); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}
	return &cfg, nil
}

func (c *AgentConfig) applyEnv() {
	if v := os.Getenv("HOSTLINK_CORE_URL"); v != "" {
		c.Core.URL = v
	}
	if v := os.Getenv("HOSTLINK_API_KEY"); v != "" {
		c.Core.APIKey = v
	}
	if v := os.Getenv("HOSTLINK_AGENT_NAME"); v != "" {
		c.Agent.Name = v
	}
	if v := os.Getenv("HOSTLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *AgentConfig) applyDefaults() {
	c.Core.URL = strings.TrimRight(c.Core.URL, "/")
	if c.Agent.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Agent.Hostname = h
		}
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "hostlink-agent"
	}
	if len(c.Agent.Capabilities) == 0 {
		c.Agent.Capabilities = DefaultCapabilities
	}
	if c.Intervals.Reconnect == 0 {
		c.Intervals.Reconnect = 30 * time.Second
	}
	if c.Intervals.Heartbeat == 0 {
		c.Intervals.Heartbeat = 60 * time.Second
	}
	if c.Intervals.Metrics == 0 {
		c.Intervals.Metrics = 30 * time.Second
	}
	if c.Intervals.Retry == 0 {
		c.Intervals.Retry = 5 * time.Second
	}
	if c.Commands.Enabled == nil {
		enabled := true
		c.Commands.Enabled = &enabled
	}
	if c.Commands.Timeout == 0 {
		c.Commands.Timeout = 300 * time.Second
	}
	if c.Commands.Retention == 0 {
		c.Commands.Retention = 60 * time.Second
	}
	if c.Commands.MaxFileSize == 0 {
		c.Commands.MaxFileSize = sandbox.DefaultMaxFileSize
	}
	c.Logging.applyDefaults()
}

// Validate checks that the agent can reach and authenticate to Core.
func (c *AgentConfig) Validate() error {
	if c.Core.URL == "" {
		return fmt.Errorf("core.url is required")
	}
	u, err := url.Parse(c.Core.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("core.url must be an http or https URL (got %q)", c.Core.URL)
	}
	if c.Core.APIKey == "" {
		return fmt.Errorf("core.api_key is required")
	}
	if c.Agent.Hostname == "" {
		return fmt.Errorf("agent.hostname is required")
	}
	if err := validateSandbox("commands", c.Commands.MaxFileSize, c.Commands.Timeout, c.Commands.Allowed); err != nil {
		return err
	}
	return c.Logging.Validate()
}
