// ABOUTME: Registry of live agent sessions on Core, keyed by agent ID.
// ABOUTME: Replaces stale sessions on reconnect and routes operator commands to them.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// ErrAgentNotFound indicates the specified agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

// Session is one authenticated agent WebSocket as seen by the registry.
type Session interface {
	ID() string
	Name() string
	Hostname() string
	Capabilities() []string
	ConnectedAt() time.Time
	ActiveCommands() int
	Dispatch(ctx context.Context, requestID string, req protocol.CommandRequest) (protocol.CommandResult, error)
	Cancel(requestID, reason string) error
	Close(reason string)
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID             string    `json:"agent_id"`
	Name           string    `json:"agent_name"`
	Hostname       string    `json:"hostname"`
	Capabilities   []string  `json:"capabilities"`
	ConnectedAt    time.Time `json:"connected_at"`
	ActiveCommands int       `json:"active_commands"`
}

// Manager coordinates all connected agents and routes commands to them.
type Manager struct {
	agents map[string]Session
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]Session),
		logger: logger.With("component", "agents"),
	}
}

// Register adds a session. An existing session for the same agent ID is
// replaced and closed, since the agent has evidently reconnected.
func (m *Manager) Register(s Session) {
	m.mu.Lock()
	stale := m.agents[s.ID()]
	m.agents[s.ID()] = s
	total := len(m.agents)
	m.mu.Unlock()

	if stale != nil && stale != s {
		m.logger.Warn("replacing stale session", "agent_id", s.ID())
		stale.Close("replaced by new connection")
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", s.ID(),
		"name", s.Name(),
		"capabilities", s.Capabilities(),
		"total_agents", total,
	)
}

// Unregister removes s if it is still the current session for its agent ID
// and reports whether it did.
func (m *Manager) Unregister(s Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.agents[s.ID()]
	if !exists || current != s {
		return false
	}
	delete(m.agents, s.ID())
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", s.ID(),
		"name", s.Name(),
		"total_agents", len(m.agents),
	)
	return true
}

// Get retrieves the live session for an agent.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.agents[id]
	return s, ok
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.Get(agentID)
	return ok
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// List returns information about all connected agents, ordered by ID.
func (m *Manager) List() []*AgentInfo {
	m.mu.RLock()
	sessions := make([]Session, 0, len(m.agents))
	for _, s := range m.agents {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	agents := make([]*AgentInfo, 0, len(sessions))
	for _, s := range sessions {
		agents = append(agents, &AgentInfo{
			ID:             s.ID(),
			Name:           s.Name(),
			Hostname:       s.Hostname(),
			Capabilities:   s.Capabilities(),
			ConnectedAt:    s.ConnectedAt(),
			ActiveCommands: s.ActiveCommands(),
		})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Dispatch sends a command to a connected agent and waits for its result.
func (m *Manager) Dispatch(ctx context.Context, agentID, requestID string, req protocol.CommandRequest) (protocol.CommandResult, error) {
	s, ok := m.Get(agentID)
	if !ok {
		return protocol.CommandResult{}, ErrAgentNotFound
	}

	m.logger.Debug("dispatching command to agent",
		"agent_id", agentID,
		"request_id", requestID,
		"command", req.Command,
	)
	return s.Dispatch(ctx, requestID, req)
}

// Cancel asks a connected agent to stop a command.
func (m *Manager) Cancel(agentID, requestID, reason string) error {
	s, ok := m.Get(agentID)
	if !ok {
		return ErrAgentNotFound
	}
	return s.Cancel(requestID, reason)
}

// CloseAll closes every session, used on shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.agents))
	for id, s := range m.agents {
		sessions = append(sessions, s)
		delete(m.agents, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}
