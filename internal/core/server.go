// ABOUTME: Core server that wires the store, token issuer, session registry and sandbox together
// ABOUTME: Serves the HTTP API and agent sockets on one echo instance and manages its lifecycle

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/2389/hostlink/internal/agent"
	"github.com/2389/hostlink/internal/auth"
	"github.com/2389/hostlink/internal/config"
	"github.com/2389/hostlink/internal/metrics"
	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/sandbox"
	"github.com/2389/hostlink/internal/session"
	"github.com/2389/hostlink/internal/store"
	"github.com/2389/hostlink/internal/tasks"
)

// Version is reported by /api/health. Overridden at build time.
var Version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	storeTimeout    = 5 * time.Second
)

// Server is the Core control plane.
type Server struct {
	config    *config.Config
	store     store.Store
	issuer    *auth.TokenIssuer
	apiKeys   *auth.APIKeyVerifier
	registry  *agent.Manager
	executor  *sandbox.Executor
	validator *protocol.Validator
	sockets   *session.Handler
	tasks     *tasks.Orchestrator
	echo      *echo.Echo
	logger    *slog.Logger

	httpServer *http.Server
	startedAt  time.Time
}

// New opens the SQLite store named in cfg and builds a Server around it.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	srv, err := newServer(cfg, s, nil, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

// newServer builds a Server on an already opened store. A nil collector
// falls back to /proc for system info commands.
func newServer(cfg *config.Config, s store.Store, collector metrics.Collector, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	registry := agent.NewManager(logger.With("component", "agent-manager"))
	executor := sandbox.New(cfg.Sandbox.Policy(), collector, logger)
	validator := protocol.NewValidator()

	srv := &Server{
		config:    cfg,
		store:     s,
		issuer:    issuer,
		apiKeys:   auth.NewAPIKeyVerifier(cfg.Auth.APIKey, cfg.Auth.APIKeyHash),
		registry:  registry,
		executor:  executor,
		validator: validator,
		tasks:     tasks.New(logger.With("component", "core-tasks")),
		logger:    logger.With("component", "core"),
		startedAt: time.Now(),
	}

	srv.sockets = session.NewHandler(issuer, registry, session.Deps{
		Store:     s,
		Executor:  executor,
		Validator: validator,
		Logger:    logger.With("component", "session"),
	}, session.Config{
		PingInterval:  cfg.Agents.PingInterval,
		ReadTimeout:   cfg.Agents.ReadTimeout,
		Retention:     cfg.Commands.Retention,
		DispatchGrace: cfg.Commands.DispatchGrace,
	})

	srv.echo = srv.newEcho()
	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	s.registerRoutes(e)
	return e
}

// Handler returns the HTTP handler serving the API and agent sockets.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Registry exposes the live session registry.
func (s *Server) Registry() *agent.Manager {
	return s.registry
}

// Issuer exposes the token issuer, used to mint operator tokens.
func (s *Server) Issuer() *auth.TokenIssuer {
	return s.issuer
}

// Run starts serving and blocks until ctx is canceled or the server fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		_ = s.store.Close()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.tasks.Spawn("metrics-prune", s.pruneMetrics)

	errCh := s.startServer(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown closes agent sessions, stops the HTTP server and background tasks,
// then closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down core", "agents", s.registry.Count())

	// Hijacked sockets are not tracked by http.Server.Shutdown.
	s.registry.CloseAll("core shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	if abandoned := s.tasks.CancelAll(shutdownTimeout); abandoned > 0 {
		s.logger.Warn("background tasks did not stop in time", "count", abandoned)
	}

	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// pruneMetrics drops samples older than commands.metrics_retention, once at
// start and then every hour.
func (s *Server) pruneMetrics(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		s.pruneOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) pruneOnce(ctx context.Context) {
	retention := s.config.Commands.MetricsRetention
	if retention <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	n, err := s.store.DeleteMetricsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to prune metrics", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("pruned metrics", "deleted", n, "retention", retention)
	}
}
