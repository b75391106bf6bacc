// ABOUTME: Store interface and data types for hostlink-core persistence
// ABOUTME: Defines Agent, MetricsSample and CommandRecord plus the Store contract

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCommand is returned when a command record with the same request id exists
var ErrDuplicateCommand = errors.New("command already exists")

// Agent status values
const (
	AgentStatusOnline  = "online"
	AgentStatusOffline = "offline"
)

// Command origins
const (
	OriginLocal    = "local"    // agent asked Core to run it on Core's host
	OriginDispatch = "dispatch" // operator pushed it down to the agent
)

// Agent is a registered host agent.
type Agent struct {
	ID           string
	Name         string
	Hostname     string
	Capabilities []string
	Metadata     map[string]string
	Status       string
	RegisteredAt time.Time
	LastSeen     time.Time
}

// MetricsSample is one stored metrics record.
type MetricsSample struct {
	ID         int64
	AgentID    string
	Record     protocol.MetricsRecord
	ReceivedAt time.Time
}

// CommandRecord is the history entry for one command request.
type CommandRecord struct {
	RequestID   string
	AgentID     string
	Origin      string
	Command     string
	Args        []string
	Status      string
	Result      *protocol.CommandResult
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Store is the persistence contract used by the Core server and sessions.
type Store interface {
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	TouchAgent(ctx context.Context, id string, at time.Time) error
	SetAgentStatus(ctx context.Context, id, status string) error

	SaveMetrics(ctx context.Context, agentID string, record protocol.MetricsRecord) error
	ListMetrics(ctx context.Context, agentID string, limit int) ([]*MetricsSample, error)
	DeleteMetricsBefore(ctx context.Context, before time.Time) (int64, error)

	SaveCommand(ctx context.Context, cmd *CommandRecord) error
	UpdateCommandStatus(ctx context.Context, requestID, status string) error
	CompleteCommand(ctx context.Context, requestID, status string, result protocol.CommandResult) error
	GetCommand(ctx context.Context, requestID string) (*CommandRecord, error)

	Close() error
}
