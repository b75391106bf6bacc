// ABOUTME: Tests for logger construction, level parsing and fan-out to extra writers

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hostlink/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestTextLoggerFansOut(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var console, file bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &console, &file)

	logger.With("component", "runtime").Info("agent started", "agent_id", "web-01_collector")
	logger.Debug("hidden")

	assert.Contains(t, console.String(), "INF agent started")
	assert.Contains(t, console.String(), "component=runtime")
	assert.Contains(t, console.String(), "agent_id=web-01_collector")
	assert.NotContains(t, console.String(), "hidden")

	assert.Contains(t, file.String(), "msg=\"agent started\"")
	assert.Contains(t, file.String(), "component=runtime")
	assert.NotContains(t, file.String(), "hidden")
}

func TestColorHandlerGroups(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var console bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug"}, &console)
	logger.WithGroup("cmd").Debug("planned", "kind", "shell")

	assert.Contains(t, console.String(), "DBG planned")
	assert.Contains(t, console.String(), "cmd.kind=shell")
}

func TestJSONLogger(t *testing.T) {
	var console bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &console)

	logger.Info("dropped")
	logger.Warn("reconnecting", "attempt", 3)

	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "reconnecting", rec["msg"])
	assert.Equal(t, float64(3), rec["attempt"])
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.log")
	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	logger := newLogger(config.LoggingConfig{Format: "json"}, &bytes.Buffer{}, f)
	logger.Info("written")
	require.NoError(t, f.Sync())
}
