// ABOUTME: Entry point for hostlink-agent
// ABOUTME: Root cobra command plus the wiring shared by run, exec and service

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	goruntime "runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hostlink/internal/config"
	"github.com/2389/hostlink/internal/connection"
	"github.com/2389/hostlink/internal/logging"
	"github.com/2389/hostlink/internal/metrics"
	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/runtime"
	"github.com/2389/hostlink/internal/sandbox"
	"github.com/2389/hostlink/internal/tasks"
)

// version can be overridden at build time via:
// go build -ldflags "-X main.version=1.2.3"
var version = "dev"

const logo = "\n" +
	"  _               _   _ _       _\n" +
	" | |__   ___  ___| |_| (_)_ __ | | __\n" +
	" | '_ \\ / _ \\/ __| __| | | '_ \\| |/ /\n" +
	" | | | | (_) \\__ \\ |_| | | | | |   <\n" +
	" |_| |_|\\___/|___/\\__|_|_|_| |_|_|\\_\\  agent\n"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "hostlink-agent",
	Short:         "hostlink host agent",
	Long:          color.CyanString(logo) + "\nReports telemetry to hostlink-core and runs the commands it dispatches.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hostlink-agent %s (protocol %s, %s/%s)\n", version, protocol.Version, goruntime.GOOS, goruntime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.AgentPath(), "agent config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(serviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// setupLogger returns the configured logger and the log file to close, if any.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	if cfg.File == "" {
		return logging.New(cfg), nil, nil
	}
	f, err := logging.OpenFile(cfg.File)
	if err != nil {
		return nil, nil, err
	}
	return logging.New(cfg, f), f, nil
}

// newConnection builds the transport to Core from the agent config. A nil
// orchestrator gives the connection its own.
func newConnection(cfg *config.AgentConfig, orch *tasks.Orchestrator, logger *slog.Logger) *connection.Manager {
	return connection.New(connection.Options{
		CoreURL: cfg.Core.URL,
		APIKey:  cfg.Core.APIKey,
		Identity: protocol.Identity{
			Name:            cfg.Agent.Name,
			Hostname:        cfg.Agent.Hostname,
			Capabilities:    cfg.Agent.Capabilities,
			ProtocolVersion: protocol.Version,
		},
		Metadata: map[string]string{
			"version":          version,
			"platform":         goruntime.GOOS + "/" + goruntime.GOARCH,
			"protocol_version": protocol.Version,
		},
		ReconnectInterval: cfg.Intervals.Reconnect,
		RetryDelay:        cfg.Intervals.Retry,
		Tasks:             orch,
		Logger:            logger,
	})
}

// newRuntime wires the collector, sandbox and connection into an agent runtime.
func newRuntime(cfg *config.AgentConfig, logger *slog.Logger) *runtime.Runtime {
	collector := metrics.NewProcCollector()
	executor := sandbox.New(cfg.Commands.Policy(), collector, logger)
	orch := tasks.New(logger)

	return runtime.New(newConnection(cfg, orch, logger), executor, collector, runtime.Options{
		MetricsInterval:   cfg.Intervals.Metrics,
		MetricsRetry:      cfg.Intervals.Retry,
		HeartbeatInterval: cfg.Intervals.Heartbeat,
		Retention:         cfg.Commands.Retention,
		Tasks:             orch,
		Logger:            logger,
	})
}
