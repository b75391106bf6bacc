// ABOUTME: HTTP handlers for registration, telemetry, the CLI proxy and operator commands.
// ABOUTME: Every response uses the protocol.APIResponse status/data envelope.

package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/2389/hostlink/internal/agent"
	"github.com/2389/hostlink/internal/auth"
	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/sandbox"
	"github.com/2389/hostlink/internal/session"
	"github.com/2389/hostlink/internal/store"
)

const (
	defaultMetricsLimit = 100
	maxMetricsLimit     = 1000
)

// HealthStatus is the body of GET /api/health.
type HealthStatus struct {
	Status          string  `json:"status"`
	Version         string  `json:"version"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	ConnectedAgents int     `json:"connected_agents"`
}

// AgentView is one row of GET /api/agents.
type AgentView struct {
	ID             string            `json:"agent_id"`
	Name           string            `json:"agent_name"`
	Hostname       string            `json:"hostname"`
	Capabilities   []string          `json:"capabilities"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         string            `json:"status"`
	Online         bool              `json:"online"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastSeen       time.Time         `json:"last_seen"`
	ConnectedAt    *time.Time        `json:"connected_at,omitempty"`
	ActiveCommands int               `json:"active_commands"`
}

// CommandView is a stored command as returned to operators.
type CommandView struct {
	RequestID   string                  `json:"request_id"`
	AgentID     string                  `json:"agent_id"`
	Origin      string                  `json:"origin"`
	Command     string                  `json:"command"`
	Args        []string                `json:"args"`
	Status      string                  `json:"status"`
	Result      *protocol.CommandResult `json:"result,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// DispatchResponse is returned by POST /api/agents/:agent_id/commands.
type DispatchResponse struct {
	RequestID string                  `json:"request_id"`
	AgentID   string                  `json:"agent_id"`
	Status    string                  `json:"status"`
	Result    *protocol.CommandResult `json:"result,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) registerRoutes(e *echo.Echo) {
	agentOnly := auth.RequireToken(s.issuer, auth.RoleAgent)
	anyRole := auth.RequireToken(s.issuer, auth.RoleAgent, auth.RoleOperator)
	operator := auth.RequireToken(s.issuer, auth.RoleOperator)

	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/agents/register", s.handleRegister)
	api.POST("/metrics/agents/:agent_id", s.handleMetrics, agentOnly)
	api.POST("/cli/execute", s.handleCLIExecute, anyRole)

	api.GET("/agents", s.handleListAgents, operator)
	api.GET("/agents/:agent_id/metrics", s.handleListMetrics, operator)
	api.POST("/agents/:agent_id/commands", s.handleDispatch, operator)
	api.POST("/agents/:agent_id/commands/:request_id/cancel", s.handleCancel, operator)
	api.GET("/commands/:request_id", s.handleGetCommand, operator)

	e.GET("/ws/:agent_id", s.sockets.ServeWS)
}

// handleError renders every error in the response envelope.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, protocol.APIResponse[any]{Status: protocol.ResponseError, Message: msg})
}

func success[T any](c echo.Context, code int, data T, msg string) error {
	return c.JSON(code, protocol.APIResponse[T]{Status: protocol.ResponseSuccess, Data: data, Message: msg})
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, http.StatusOK, HealthStatus{
		Status:          "healthy",
		Version:         Version,
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		ConnectedAgents: s.registry.Count(),
	}, "")
}

func (s *Server) handleRegister(c echo.Context) error {
	var req protocol.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.AgentName = strings.TrimSpace(req.AgentName)
	req.Hostname = strings.TrimSpace(req.Hostname)
	if req.AgentName == "" || req.Hostname == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_name and hostname are required")
	}

	if err := s.apiKeys.Verify(req.APIKey); err != nil {
		s.logger.Warn("registration with invalid api key",
			"agent_name", req.AgentName,
			"hostname", req.Hostname,
			"remote", c.RealIP(),
		)
		return echo.NewHTTPError(http.StatusUnauthorized, "Agent registration failed. Invalid API key.")
	}

	agentID := protocol.AgentID(req.Hostname, req.AgentName)
	capabilities := normalizeCapabilities(req.Capabilities)

	status := store.AgentStatusOffline
	if s.registry.IsOnline(agentID) {
		status = store.AgentStatusOnline
	}
	ctx := c.Request().Context()
	if err := s.store.UpsertAgent(ctx, &store.Agent{
		ID:           agentID,
		Name:         req.AgentName,
		Hostname:     req.Hostname,
		Capabilities: capabilities,
		Metadata:     req.Metadata,
		Status:       status,
		LastSeen:     time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("storing agent %s: %w", agentID, err)
	}

	ttl := s.config.Auth.TokenTTL
	token, err := s.issuer.Issue(agentID, auth.Claims{
		Role:         auth.RoleAgent,
		AgentName:    req.AgentName,
		Capabilities: capabilities,
	}, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	s.logger.Info("agent registered", "agent_id", agentID, "capabilities", capabilities)
	return success(c, http.StatusOK, protocol.RegisterResponse{
		Token:     token,
		AgentID:   agentID,
		ExpiresIn: int(ttl.Seconds()),
	}, "Agent registered successfully")
}

func normalizeCapabilities(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func (s *Server) handleMetrics(c echo.Context) error {
	agentID := c.Param("agent_id")
	if claims := auth.ClaimsFrom(c); claims == nil || claims.Subject != agentID {
		return echo.NewHTTPError(http.StatusForbidden, "Agent ID mismatch")
	}

	var record protocol.MetricsRecord
	if err := c.Bind(&record); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid metrics body")
	}
	record.AgentID = agentID
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	ctx := c.Request().Context()
	if err := s.store.SaveMetrics(ctx, agentID, record); err != nil {
		return fmt.Errorf("storing metrics: %w", err)
	}
	if err := s.store.TouchAgent(ctx, agentID, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("failed to touch agent", "agent_id", agentID, "error", err)
	}

	return success[any](c, http.StatusOK, nil, "Metrics stored")
}

// handleCLIExecute runs one command on Core's own host for an agent or operator.
func (s *Server) handleCLIExecute(c echo.Context) error {
	var body protocol.CLIRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req := body.CommandRequest()
	if problems := s.validator.ValidateCommand(req); len(problems) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "command not allowed: "+strings.Join(problems, "; "))
	}

	claims := auth.ClaimsFrom(c)
	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID, "caller", claims.Subject, "command", req.Command)
	logger.Info("executing CLI command", "args", req.Args)

	ctx := c.Request().Context()
	s.recordCommand(ctx, &store.CommandRecord{
		RequestID: requestID,
		AgentID:   claims.Subject,
		Origin:    store.OriginLocal,
		Command:   req.Command,
		Args:      req.Args,
		Status:    protocol.StatusExecuting,
	})

	result := s.executor.Run(ctx, requestID, req)
	status := sandbox.Status(result)
	s.completeCommand(requestID, status, result)
	if !result.Success {
		logger.Error("CLI command failed", "status", status, "error", result.Error)
	}

	out := protocol.APIResponse[protocol.CommandResult]{
		Status:  protocol.ResponseSuccess,
		Data:    result,
		Message: fmt.Sprintf("CLI command executed with return code %d", result.ReturnCode),
	}
	if !result.Success {
		out.Status = protocol.ResponseError
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListAgents(c echo.Context) error {
	stored, err := s.store.ListAgents(c.Request().Context())
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	live := make(map[string]*agent.AgentInfo)
	for _, info := range s.registry.List() {
		live[info.ID] = info
	}

	views := make([]AgentView, 0, len(stored))
	for _, a := range stored {
		v := AgentView{
			ID:           a.ID,
			Name:         a.Name,
			Hostname:     a.Hostname,
			Capabilities: a.Capabilities,
			Metadata:     a.Metadata,
			Status:       a.Status,
			RegisteredAt: a.RegisteredAt,
			LastSeen:     a.LastSeen,
		}
		if info, ok := live[a.ID]; ok {
			connectedAt := info.ConnectedAt
			v.Online = true
			v.Status = store.AgentStatusOnline
			v.ConnectedAt = &connectedAt
			v.ActiveCommands = info.ActiveCommands
		} else if v.Status == store.AgentStatusOnline {
			// Row not yet updated after a disconnect.
			v.Status = store.AgentStatusOffline
		}
		views = append(views, v)
	}

	return success(c, http.StatusOK, views, "")
}

func (s *Server) handleListMetrics(c echo.Context) error {
	limit := defaultMetricsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxMetricsLimit)
	}

	samples, err := s.store.ListMetrics(c.Request().Context(), c.Param("agent_id"), limit)
	if err != nil {
		return fmt.Errorf("listing metrics: %w", err)
	}

	records := make([]protocol.MetricsRecord, 0, len(samples))
	for _, sample := range samples {
		records = append(records, sample.Record)
	}
	return success(c, http.StatusOK, records, "")
}

// handleDispatch pushes a command down to a connected agent. With wait=false
// it answers 202 straight away and the outcome is read from /api/commands.
func (s *Server) handleDispatch(c echo.Context) error {
	agentID := c.Param("agent_id")

	var req protocol.CommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if problems := s.validator.ValidateCommand(req); len(problems) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "command not allowed: "+strings.Join(problems, "; "))
	}
	if !s.registry.IsOnline(agentID) {
		return echo.NewHTTPError(http.StatusNotFound, "agent not connected")
	}

	requestID := uuid.NewString()

	if c.QueryParam("wait") == "false" {
		s.tasks.SpawnDetached("dispatch:"+requestID, func(ctx context.Context) error {
			_, err := s.registry.Dispatch(ctx, agentID, requestID, req)
			return err
		}, func(err error) {
			s.logger.Warn("dispatch failed", "agent_id", agentID, "request_id", requestID, "error", err)
		})
		return success(c, http.StatusAccepted, DispatchResponse{
			RequestID: requestID,
			AgentID:   agentID,
			Status:    protocol.StatusPending,
		}, "Command dispatched")
	}

	result, err := s.registry.Dispatch(c.Request().Context(), agentID, requestID, req)
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "agent not connected")
	case errors.Is(err, agent.ErrDuplicateRequest):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		return echo.NewHTTPError(http.StatusBadGateway, "agent disconnected before answering")
	case err != nil:
		return fmt.Errorf("dispatching to %s: %w", agentID, err)
	}

	out := protocol.APIResponse[DispatchResponse]{
		Status: protocol.ResponseSuccess,
		Data: DispatchResponse{
			RequestID: requestID,
			AgentID:   agentID,
			Status:    sandbox.Status(result),
			Result:    &result,
		},
	}
	if !result.Success {
		out.Status = protocol.ResponseError
		out.Message = result.Error
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCancel(c echo.Context) error {
	agentID := c.Param("agent_id")
	requestID := c.Param("request_id")

	var body cancelRequest
	_ = c.Bind(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}

	err := s.registry.Cancel(agentID, requestID, body.Reason)
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "agent not connected")
	case errors.Is(err, session.ErrUnknownCommand):
		return echo.NewHTTPError(http.StatusNotFound, "no running command with that request id")
	case err != nil:
		return fmt.Errorf("cancelling %s: %w", requestID, err)
	}

	return success(c, http.StatusOK, DispatchResponse{
		RequestID: requestID,
		AgentID:   agentID,
		Status:    protocol.StatusCancelled,
	}, "Cancellation requested")
}

func (s *Server) handleGetCommand(c echo.Context) error {
	cmd, err := s.store.GetCommand(c.Request().Context(), c.Param("request_id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "command not found")
	}
	if err != nil {
		return fmt.Errorf("loading command: %w", err)
	}

	return success(c, http.StatusOK, CommandView{
		RequestID:   cmd.RequestID,
		AgentID:     cmd.AgentID,
		Origin:      cmd.Origin,
		Command:     cmd.Command,
		Args:        cmd.Args,
		Status:      cmd.Status,
		Result:      cmd.Result,
		CreatedAt:   cmd.CreatedAt,
		UpdatedAt:   cmd.UpdatedAt,
		CompletedAt: cmd.CompletedAt,
	}, "")
}

func (s *Server) recordCommand(ctx context.Context, cmd *store.CommandRecord) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.SaveCommand(ctx, cmd); err != nil {
		s.logger.Warn("failed to record command", "request_id", cmd.RequestID, "error", err)
	}
}

// completeCommand runs on a fresh context so a client that hung up still
// leaves a terminal record behind.
func (s *Server) completeCommand(requestID, status string, result protocol.CommandResult) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.CompleteCommand(ctx, requestID, status, result); err != nil {
		s.logger.Warn("failed to complete command record", "request_id", requestID, "error", err)
	}
}
