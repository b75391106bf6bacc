// ABOUTME: Upgrades /ws/{agent_id} requests, authenticates the agent and runs its session.
// ABOUTME: Failed handshakes are closed with 4001 (authentication) or 4003 (identity mismatch).

package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/2389/hostlink/internal/agent"
	"github.com/2389/hostlink/internal/auth"
	"github.com/2389/hostlink/internal/protocol"
	"github.com/2389/hostlink/internal/store"
)

// Close codes sent when a handshake is refused.
const (
	CloseUnauthenticated  = 4001
	CloseIdentityMismatch = 4003
)

// Handler accepts agent sockets.
type Handler struct {
	issuer   *auth.TokenIssuer
	registry *agent.Manager
	deps     Deps
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler wires a socket handler to the registry live sessions are published in.
func NewHandler(issuer *auth.TokenIssuer, registry *agent.Manager, deps Deps, cfg Config) *Handler {
	if deps.Validator == nil {
		deps.Validator = protocol.NewValidator()
	}
	return &Handler{
		issuer:   issuer,
		registry: registry,
		deps:     deps,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS handles GET /ws/:agent_id. It blocks for the life of the session.
func (h *Handler) ServeWS(c echo.Context) error {
	logger := h.deps.Logger.With("remote", c.RealIP())

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	pathID := c.Param("agent_id")
	token := auth.ExtractToken(c.Request())
	if token == "" {
		refuse(conn, CloseUnauthenticated, "Authentication required")
		return nil
	}

	claims, err := h.issuer.Verify(token)
	if err != nil || claims.Role != auth.RoleAgent {
		logger.Warn("agent token rejected", "agent_id", pathID, "error", err)
		refuse(conn, CloseUnauthenticated, "Invalid token")
		return nil
	}
	if claims.Subject != pathID {
		logger.Warn("agent id mismatch", "path", pathID, "token", claims.Subject)
		refuse(conn, CloseIdentityMismatch, "Agent ID mismatch")
		return nil
	}

	hello, err := h.readAuth(conn, token)
	if err != nil {
		logger.Warn("agent handshake failed", "agent_id", pathID, "error", err)
		refuse(conn, CloseUnauthenticated, err.Error())
		return nil
	}

	who := identity{
		id:           pathID,
		name:         claims.AgentName,
		capabilities: claims.Capabilities,
	}
	if hello.AgentName != "" {
		who.name = hello.AgentName
	}
	if len(hello.Capabilities) > 0 {
		who.capabilities = hello.Capabilities
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), storeTimeout)
	if rec, err := h.deps.Store.GetAgent(ctx, pathID); err == nil {
		who.hostname = rec.Hostname
	}
	cancel()

	s := newSession(conn, who, h.deps, h.cfg)
	if err := s.write(protocol.TypeAuthSuccess, "", protocol.AuthSuccess{AgentID: pathID}); err != nil {
		return nil
	}
	h.markOnline(who)
	h.registry.Register(s)
	s.logger.Info("agent connected", "name", who.name)

	s.run()

	if h.registry.Unregister(s) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.deps.Store.SetAgentStatus(ctx, pathID, store.AgentStatusOffline); err != nil {
			s.logger.Warn("failed to mark agent offline", "error", err)
		}
	}
	s.logger.Info("agent disconnected")
	return nil
}

var errBadHandshake = errors.New("expected auth frame with matching token")

// readAuth waits for the agent's auth frame.
func (h *Handler) readAuth(conn *websocket.Conn, token string) (protocol.Auth, error) {
	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Auth{}, err
	}

	msg, verr := h.deps.Validator.Check(raw)
	if verr != nil {
		return protocol.Auth{}, verr
	}
	hello, ok := msg.Body.(protocol.Auth)
	if !ok || hello.AuthToken != token {
		return protocol.Auth{}, errBadHandshake
	}
	return hello, nil
}

func (h *Handler) markOnline(who identity) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	now := time.Now()
	err := h.deps.Store.TouchAgent(ctx, who.id, now)
	if errors.Is(err, store.ErrNotFound) {
		err = h.deps.Store.UpsertAgent(ctx, &store.Agent{
			ID:           who.id,
			Name:         who.name,
			Hostname:     who.hostname,
			Capabilities: who.capabilities,
			Status:       store.AgentStatusOnline,
			RegisteredAt: now,
			LastSeen:     now,
		})
	}
	if err != nil {
		h.deps.Logger.Warn("failed to mark agent online", "agent_id", who.id, "error", err)
	}
}

// refuse sends a close frame with code and reason.
func refuse(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
