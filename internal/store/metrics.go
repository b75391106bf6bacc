// ABOUTME: Metrics persistence for the SQLite store
// ABOUTME: Records are stored as JSON with their collection and receive times

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// SaveMetrics stores one normalized metrics record for an agent.
func (s *SQLiteStore) SaveMetrics(ctx context.Context, agentID string, record protocol.MetricsRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}

	recorded := record.Timestamp
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metrics (agent_id, record_json, recorded_at, received_at) VALUES (?, ?, ?, ?)`,
		agentID, string(data), formatTime(recorded), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting metrics: %w", err)
	}
	return nil
}

// ListMetrics returns up to limit of the agent's most recent samples, newest first.
// A limit of zero or less means 100.
func (s *SQLiteStore) ListMetrics(ctx context.Context, agentID string, limit int) ([]*MetricsSample, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, record_json, received_at
		FROM metrics
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()

	var samples []*MetricsSample
	for rows.Next() {
		var sample MetricsSample
		var recordJSON, receivedStr string
		if err := rows.Scan(&sample.ID, &sample.AgentID, &recordJSON, &receivedStr); err != nil {
			return nil, fmt.Errorf("scanning metrics: %w", err)
		}
		if err := json.Unmarshal([]byte(recordJSON), &sample.Record); err != nil {
			return nil, fmt.Errorf("decoding metrics: %w", err)
		}
		if sample.ReceivedAt, err = parseTime(receivedStr); err != nil {
			return nil, fmt.Errorf("parsing received_at: %w", err)
		}
		samples = append(samples, &sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metrics: %w", err)
	}
	return samples, nil
}

// DeleteMetricsBefore removes samples received before the cutoff and reports how many went.
func (s *SQLiteStore) DeleteMetricsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE received_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting metrics: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted metrics: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned metrics", "count", n, "before", before)
	}
	return n, nil
}
