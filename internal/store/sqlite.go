// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent, metrics and command persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			hostname          TEXT NOT NULL,
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			metadata_json     TEXT NOT NULL DEFAULT '{}',
			status            TEXT NOT NULL,
			registered_at     TEXT NOT NULL,
			last_seen         TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE TABLE IF NOT EXISTS metrics (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id    TEXT NOT NULL,
			record_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			received_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_metrics_agent_received
			ON metrics(agent_id, received_at);

		CREATE TABLE IF NOT EXISTS commands (
			request_id   TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			origin       TEXT NOT NULL,
			command      TEXT NOT NULL,
			args_json    TEXT NOT NULL DEFAULT '[]',
			status       TEXT NOT NULL,
			result_json  TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			completed_at TEXT,

			CHECK (origin IN ('local', 'dispatch'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertAgent inserts the agent or refreshes an existing row. RegisteredAt is
// kept from the first registration.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(nonNilStrings(agent.Capabilities))
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	meta := agent.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	status := agent.Status
	if status == "" {
		status = AgentStatusOnline
	}
	now := time.Now().UTC()
	registered := agent.RegisteredAt
	if registered.IsZero() {
		registered = now
	}
	lastSeen := agent.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}

	query := `
		INSERT INTO agents (id, name, hostname, capabilities_json, metadata_json, status, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			capabilities_json = excluded.capabilities_json,
			metadata_json = excluded.metadata_json,
			status = excluded.status,
			last_seen = excluded.last_seen
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Hostname,
		string(caps),
		string(metaJSON),
		status,
		formatTime(registered),
		formatTime(lastSeen),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "agent_id", agent.ID)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, name, hostname, capabilities_json, metadata_json, status, registered_at, last_seen
		FROM agents
		WHERE id = ?
	`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns every known agent ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, name, hostname, capabilities_json, metadata_json, status, registered_at, last_seen
		FROM agents
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// TouchAgent records activity from an agent.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "touching agent",
		`UPDATE agents SET last_seen = ?, status = 'online' WHERE id = ?`,
		formatTime(at), id)
}

// SetAgentStatus sets an agent online or offline.
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id, status string) error {
	if status != AgentStatusOnline && status != AgentStatusOffline {
		return fmt.Errorf("invalid agent status %q", status)
	}
	return s.execOne(ctx, "updating agent status",
		`UPDATE agents SET status = ? WHERE id = ?`, status, id)
}

// execOne runs an update that must touch exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var capsJSON, metaJSON, registeredStr, lastSeenStr string

	if err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Hostname,
		&capsJSON,
		&metaJSON,
		&agent.Status,
		&registeredStr,
		&lastSeenStr,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &agent.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}

	var err error
	if agent.RegisteredAt, err = parseTime(registeredStr); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if agent.LastSeen, err = parseTime(lastSeenStr); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	return &agent, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// timeFormat is fixed width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
