// ABOUTME: Entry point for hostlink-core control server
// ABOUTME: Serves agents and operators, and offers small admin commands against a running server

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hostlink/internal/auth"
	"github.com/2389/hostlink/internal/config"
	"github.com/2389/hostlink/internal/core"
	"github.com/2389/hostlink/internal/logging"
	"github.com/2389/hostlink/internal/protocol"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _               _   _ _       _
 | |__   ___  ___| |_| (_)_ __ | | __
 | '_ \ / _ \/ __| __| | | '_ \| |/ /
 | | | | (_) \__ \ |_| | | | | |   <
 |_| |_|\___/|___/\__|_|_|_| |_|_|\_\  core
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hostlink-core <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                           Start the core server")
		fmt.Println("  health                          Check core health")
		fmt.Println("  agents                          List registered agents")
		fmt.Println("  token --name NAME [--ttl 24h]   Mint an operator token")
		fmt.Println("  hash-key KEY                    Print a bcrypt hash for auth.api_key_hash")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "token":
		err = runToken()
	case "hash-key":
		err = runHashKey()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.CorePath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Sandbox.Enabled != nil && !*cfg.Sandbox.Enabled {
		yellow := color.New(color.FgYellow)
		yellow.Print("    ▶ ")
		fmt.Println("Sandbox:   disabled, agent CLI commands will be refused")
	}
	fmt.Println()

	logger.Info("starting hostlink-core",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	core.Version = version
	srv, err := core.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating core: %w", err)
	}

	return srv.Run(ctx)
}

// baseURL turns the listen address into something a local client can dial.
func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func getJSON(ctx context.Context, url, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.CorePath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var out protocol.APIResponse[core.HealthStatus]
	if err := getJSON(ctx, baseURL(cfg.Server.HTTPAddr)+"/api/health", "", &out); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	color.Green("%s", out.Data.Status)
	fmt.Printf("version %s, up %s, %d agent(s) connected\n",
		out.Data.Version,
		(time.Duration(out.Data.UptimeSeconds) * time.Second).String(),
		out.Data.ConnectedAgents,
	)
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(config.CorePath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := operatorToken(cfg, "hostlink-core-cli", 5*time.Minute)
	if err != nil {
		return err
	}

	var out protocol.APIResponse[[]core.AgentView]
	if err := getJSON(ctx, baseURL(cfg.Server.HTTPAddr)+"/api/agents", token, &out); err != nil {
		if out.Message != "" {
			return fmt.Errorf("listing agents: %s", out.Message)
		}
		return fmt.Errorf("listing agents: %w", err)
	}

	if len(out.Data) == 0 {
		fmt.Println("no agents registered")
		return nil
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, a := range out.Data {
		if a.Online {
			green.Print("● ")
		} else {
			gray.Print("○ ")
		}
		fmt.Printf("%-32s %-10s", a.ID, a.Status)
		gray.Printf(" last seen %s", a.LastSeen.Local().Format(time.DateTime))
		if a.ActiveCommands > 0 {
			fmt.Printf("  %d running", a.ActiveCommands)
		}
		fmt.Println()
	}
	return nil
}

// runToken mints an operator token for the HTTP API:
// hostlink-core token --name alice --ttl 24h
func runToken() error {
	var name string
	ttl := 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return errors.New("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return errors.New("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("--name flag is required")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, err := config.Load(config.CorePath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := operatorToken(cfg, name, ttl)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s operator token for %s, valid %s\n", color.GreenString("✓"), name, ttl)
	fmt.Println(token)
	return nil
}

func operatorToken(cfg *config.Config, name string, ttl time.Duration) (string, error) {
	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("creating token issuer: %w", err)
	}
	token, err := issuer.Issue(name, auth.Claims{Role: auth.RoleOperator}, ttl)
	if err != nil {
		return "", fmt.Errorf("issuing token: %w", err)
	}
	return token, nil
}

func runHashKey() error {
	if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
		return errors.New("usage: hostlink-core hash-key KEY")
	}
	hash, err := auth.HashAPIKey(strings.TrimSpace(os.Args[2]))
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}
	fmt.Println(hash)
	return nil
}
