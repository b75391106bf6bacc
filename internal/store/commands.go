// ABOUTME: Command history persistence for the SQLite store
// ABOUTME: One row per request id, completed exactly once with a terminal status

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// SaveCommand inserts a new command record.
// Returns ErrDuplicateCommand if the request id is already recorded.
func (s *SQLiteStore) SaveCommand(ctx context.Context, cmd *CommandRecord) error {
	args, err := json.Marshal(nonNilStrings(cmd.Args))
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}

	status := cmd.Status
	if status == "" {
		status = protocol.StatusPending
	}
	created := cmd.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (request_id, agent_id, origin, command, args_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cmd.RequestID,
		cmd.AgentID,
		cmd.Origin,
		cmd.Command,
		string(args),
		status,
		formatTime(created),
		formatTime(created),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCommand
		}
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// UpdateCommandStatus moves a non-terminal command to status.
// Completed commands are left untouched.
func (s *SQLiteStore) UpdateCommandStatus(ctx context.Context, requestID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, updated_at = ?
		WHERE request_id = ? AND completed_at IS NULL
	`, status, formatTime(time.Now()), requestID)
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating command status: %w", err)
	}
	if n == 0 {
		if _, err := s.GetCommand(ctx, requestID); err != nil {
			return err
		}
	}
	return nil
}

// CompleteCommand records the terminal status and result. Only the first
// completion is kept.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, requestID, status string, result protocol.CommandResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	now := formatTime(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result_json = ?, updated_at = ?, completed_at = ?
		WHERE request_id = ? AND completed_at IS NULL
	`, status, string(data), now, now, requestID)
	if err != nil {
		return fmt.Errorf("completing command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing command: %w", err)
	}
	if n == 0 {
		if _, err := s.GetCommand(ctx, requestID); err != nil {
			return err
		}
		s.logger.Debug("ignoring second completion", "request_id", requestID)
	}
	return nil
}

// GetCommand retrieves a command record by request id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, requestID string) (*CommandRecord, error) {
	var cmd CommandRecord
	var argsJSON, createdStr, updatedStr string
	var resultJSON, completedStr sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, agent_id, origin, command, args_json, status, result_json, created_at, updated_at, completed_at
		FROM commands
		WHERE request_id = ?
	`, requestID).Scan(
		&cmd.RequestID,
		&cmd.AgentID,
		&cmd.Origin,
		&cmd.Command,
		&argsJSON,
		&cmd.Status,
		&resultJSON,
		&createdStr,
		&updatedStr,
		&completedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}

	if err := json.Unmarshal([]byte(argsJSON), &cmd.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if resultJSON.Valid {
		var result protocol.CommandResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		cmd.Result = &result
	}
	if cmd.CreatedAt, err = parseTime(createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cmd.UpdatedAt, err = parseTime(updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if completedStr.Valid {
		completed, err := parseTime(completedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		cmd.CompletedAt = &completed
	}
	return &cmd, nil
}
