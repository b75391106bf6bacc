// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent           // keyed by agent ID
	metrics  map[string][]*MetricsSample // keyed by agent ID, oldest first
	commands map[string]*CommandRecord   // keyed by request ID
	nextID   int64
	closed   bool
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*Agent),
		metrics:  make(map[string][]*MetricsSample),
		commands: make(map[string]*CommandRecord),
	}
}

// UpsertAgent stores or refreshes an agent.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *agent
	if a.Status == "" {
		a.Status = AgentStatusOnline
	}
	now := time.Now().UTC()
	if a.LastSeen.IsZero() {
		a.LastSeen = now
	}
	if prev, ok := m.agents[a.ID]; ok {
		a.RegisteredAt = prev.RegisteredAt
	} else if a.RegisteredAt.IsZero() {
		a.RegisteredAt = now
	}
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAgents returns all agents ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TouchAgent records activity.
func (m *MockStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastSeen = at.UTC()
	a.Status = AgentStatusOnline
	return nil
}

// SetAgentStatus sets an agent online or offline.
func (m *MockStore) SetAgentStatus(ctx context.Context, id, status string) error {
	if status != AgentStatusOnline && status != AgentStatusOffline {
		return fmt.Errorf("invalid agent status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// SaveMetrics appends a sample.
func (m *MockStore) SaveMetrics(ctx context.Context, agentID string, record protocol.MetricsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.metrics[agentID] = append(m.metrics[agentID], &MetricsSample{
		ID:         m.nextID,
		AgentID:    agentID,
		Record:     record,
		ReceivedAt: time.Now().UTC(),
	})
	return nil
}

// ListMetrics returns the newest samples first.
func (m *MockStore) ListMetrics(ctx context.Context, agentID string, limit int) ([]*MetricsSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	samples := m.metrics[agentID]
	out := make([]*MetricsSample, 0, min(limit, len(samples)))
	for i := len(samples) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *samples[i]
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteMetricsBefore drops samples received before the cutoff.
func (m *MockStore) DeleteMetricsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, samples := range m.metrics {
		kept := samples[:0]
		for _, s := range samples {
			if s.ReceivedAt.Before(before) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		m.metrics[id] = kept
	}
	return removed, nil
}

// SaveCommand stores a new command record.
func (m *MockStore) SaveCommand(ctx context.Context, cmd *CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.commands[cmd.RequestID]; ok {
		return ErrDuplicateCommand
	}
	c := *cmd
	if c.Status == "" {
		c.Status = protocol.StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	m.commands[c.RequestID] = &c
	return nil
}

// UpdateCommandStatus updates a non-terminal command.
func (m *MockStore) UpdateCommandStatus(ctx context.Context, requestID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[requestID]
	if !ok {
		return ErrNotFound
	}
	if c.CompletedAt == nil {
		c.Status = status
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// CompleteCommand records the first terminal result.
func (m *MockStore) CompleteCommand(ctx context.Context, requestID, status string, result protocol.CommandResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commands[requestID]
	if !ok {
		return ErrNotFound
	}
	if c.CompletedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	r := result
	c.Status = status
	c.Result = &r
	c.UpdatedAt = now
	c.CompletedAt = &now
	return nil
}

// GetCommand retrieves a command record.
func (m *MockStore) GetCommand(ctx context.Context, requestID string) (*CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
