// ABOUTME: Default config file locations for both binaries
// ABOUTME: Environment variables win over the XDG config directory

package config

import (
	"os"
	"path/filepath"
)

// CorePath returns $HOSTLINK_CORE_CONFIG or $XDG_CONFIG_HOME/hostlink/core.yaml.
func CorePath() string {
	return resolvePath("HOSTLINK_CORE_CONFIG", "core.yaml")
}

// AgentPath returns $HOSTLINK_AGENT_CONFIG or $XDG_CONFIG_HOME/hostlink/agent.toml.
func AgentPath() string {
	return resolvePath("HOSTLINK_AGENT_CONFIG", "agent.toml")
}

func resolvePath(envVar, name string) string {
	if p := os.Getenv(envVar); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "hostlink", name)
}
