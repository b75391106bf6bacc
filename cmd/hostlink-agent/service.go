// ABOUTME: Installs and runs the agent as an OS service via kardianos/service
// ABOUTME: The service manager's Stop is routed into the runtime's graceful shutdown

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/2389/hostlink/internal/config"
)

const stopTimeout = 15 * time.Second

// program adapts the agent runtime to service.Interface.
type program struct {
	cfg    *config.AgentConfig
	logger *slog.Logger
	closer io.Closer

	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	rt := newRuntime(p.cfg, p.logger)
	go func() {
		err := rt.Run(ctx)
		p.done <- err
		if err != nil {
			// Exit non-zero so the service manager restarts us.
			p.logger.Error("agent runtime exited", "error", err)
			if p.closer != nil {
				p.closer.Close()
			}
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("stopping hostlink-agent service")
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		p.logger.Warn("agent runtime did not stop in time")
	}
	if p.closer != nil {
		p.closer.Close()
	}
	return nil
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage hostlink-agent as a system service",
}

func serviceAction(use, short string, action func(service.Service) error, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newService(false)
			if err != nil {
				return err
			}
			if err := action(s); err != nil {
				return fmt.Errorf("%s service: %w", use, err)
			}
			fmt.Printf("%s %s\n", color.GreenString("✓"), done)
			return nil
		},
	}
}

var serviceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run under the service manager (used by the installed unit)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(true)
		if err != nil {
			return err
		}
		return s.Run()
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the service is installed and running",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newService(false)
		if err != nil {
			return err
		}
		st, err := s.Status()
		if err != nil {
			return fmt.Errorf("service status: %w", err)
		}
		switch st {
		case service.StatusRunning:
			color.Green("running")
		case service.StatusStopped:
			color.Yellow("stopped")
		default:
			fmt.Println("unknown")
		}
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(
		serviceAction("install", "Install the service", func(s service.Service) error { return s.Install() }, "Service installed"),
		serviceAction("uninstall", "Remove the service", func(s service.Service) error { return s.Uninstall() }, "Service uninstalled"),
		serviceAction("start", "Start the installed service", func(s service.Service) error { return s.Start() }, "Service started"),
		serviceAction("stop", "Stop the running service", func(s service.Service) error { return s.Stop() }, "Service stopped"),
		serviceRunCmd,
		serviceStatusCmd,
	)
}

// newService builds the service definition. Only run needs a loaded config;
// install and friends just register the binary with the service manager.
func newService(load bool) (service.Service, error) {
	prg := &program{logger: slog.Default()}

	if load {
		cfg, err := config.LoadAgent(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		logger, closer, err := setupLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		prg.cfg, prg.logger, prg.closer = cfg, logger, closer
	}

	s, err := service.New(prg, &service.Config{
		Name:        "hostlink-agent",
		DisplayName: "hostlink agent",
		Description: "Reports host telemetry to hostlink-core and runs the commands it dispatches.",
		Arguments:   []string{"--config", configPath, "service", "run"},
	})
	if err != nil {
		return nil, fmt.Errorf("creating service: %w", err)
	}
	return s, nil
}
