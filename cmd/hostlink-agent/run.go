// ABOUTME: run and exec subcommands
// ABOUTME: run keeps the agent connected in the foreground; exec proxies one command through Core

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hostlink/internal/config"
	"github.com/2389/hostlink/internal/protocol"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Core and run in the foreground",
	RunE:  runAgent,
}

var execTimeout time.Duration

var execCmd = &cobra.Command{
	Use:   "exec COMMAND SUBCOMMAND [ARGS...]",
	Short: "Run one allow-listed command on Core's host via the CLI proxy",
	Example: "  hostlink-agent exec health disk\n" +
		"  hostlink-agent exec logs read-local /var/log/syslog",
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 60*time.Second, "overall request timeout")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closer, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	fmt.Print(color.CyanString(logo))
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Core:   %s\n", cfg.Core.URL)
	green.Print("    ▶ ")
	fmt.Printf("Agent:  %s on %s\n\n", cfg.Agent.Name, cfg.Agent.Hostname)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting hostlink-agent", "version", version, "config", configPath)
	return newRuntime(cfg, logger).Run(ctx)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Logging.Level = "warn"
	logger, closer, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), execTimeout)
	defer cancel()

	conn := newConnection(cfg, nil, logger)
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Disconnect()

	result, err := conn.ExecuteCLI(ctx, args[0], args[1:])
	printResult(result)
	if err != nil {
		return err
	}
	if !result.Success {
		return &exitError{code: exitCode(result)}
	}
	return nil
}

// exitError carries a failed command's exit status back to main.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func printResult(r protocol.CommandResult) {
	if r.Stdout != "" {
		fmt.Print(r.Stdout)
		if r.Stdout[len(r.Stdout)-1] != '\n' {
			fmt.Println()
		}
	}
	if r.Stderr != "" {
		fmt.Fprint(os.Stderr, color.YellowString(r.Stderr))
	}

	gray := color.New(color.FgHiBlack)
	if r.Success {
		gray.Fprintf(os.Stderr, "✓ rc=%d in %.2fs\n", r.ReturnCode, r.ExecutionTime)
		return
	}
	msg := r.Error
	if msg == "" {
		msg = "command failed"
	}
	fmt.Fprintf(os.Stderr, "%s %s (rc=%d)\n", color.RedString("✗"), msg, r.ReturnCode)
}

func exitCode(r protocol.CommandResult) int {
	if r.ReturnCode > 0 && r.ReturnCode < 126 {
		return r.ReturnCode
	}
	return 1
}
