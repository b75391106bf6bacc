// ABOUTME: Sandbox and logging sections shared by the Core and agent configs
// ABOUTME: Converts the sandbox section into a sandbox.Policy for the executor

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/2389/hostlink/internal/sandbox"
)

// SandboxConfig configures local command execution on Core.
type SandboxConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	AllowedCommands []string      `yaml:"allowed_commands"`
	DeniedPaths     []string      `yaml:"denied_paths"`
	MaxFileSize     int64         `yaml:"max_file_size"`
	WorkDir         string        `yaml:"work_dir"`
	Timeout         time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

func (s *SandboxConfig) applyDefaults() {
	if s.Enabled == nil {
		enabled := true
		s.Enabled = &enabled
	}
	if s.MaxFileSize == 0 {
		s.MaxFileSize = sandbox.DefaultMaxFileSize
	}
	if s.Timeout == 0 {
		s.Timeout = sandbox.DefaultTimeout
	}
}

// Validate checks the section; prefix names it in error messages.
func (s *SandboxConfig) Validate(prefix string) error {
	return validateSandbox(prefix, s.MaxFileSize, s.Timeout, s.AllowedCommands)
}

// Policy converts the section into an executor policy.
func (s *SandboxConfig) Policy() sandbox.Policy {
	return buildPolicy(s.Enabled == nil || *s.Enabled, s.AllowedCommands, s.DeniedPaths, s.MaxFileSize, s.Timeout, s.WorkDir)
}

func validateSandbox(prefix string, maxFileSize int64, timeout time.Duration, allowed []string) error {
	if maxFileSize < 0 {
		return fmt.Errorf("%s.max_file_size must not be negative", prefix)
	}
	if timeout > 300*time.Second {
		return fmt.Errorf("%s.timeout must not exceed 300s", prefix)
	}
	for _, cmd := range allowed {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("%s: allowed command entries must not be empty", prefix)
		}
	}
	return nil
}

func buildPolicy(enabled bool, allowed, denied []string, maxFileSize int64, timeout time.Duration, workDir string) sandbox.Policy {
	p := sandbox.DefaultPolicy()
	p.Enabled = enabled
	if len(allowed) > 0 {
		p.AllowedCommands = allowed
	}
	if len(denied) > 0 {
		p.DeniedPaths = append(append([]string{}, sandbox.DefaultDeniedPaths...), denied...)
	}
	if maxFileSize > 0 {
		p.MaxFileSize = maxFileSize
	}
	if timeout > 0 {
		p.DefaultTimeout = timeout
	}
	if workDir != "" {
		p.WorkDir = workDir
	}
	return p
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

func (l *LoggingConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

// Validate checks level and format values.
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", l.Format)
	}
	return nil
}
