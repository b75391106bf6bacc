// Package store provides persistent storage for hostlink-core using SQLite.
//
// # Architecture
//
// Store is the interface used by the Core server and agent sessions.
// SQLiteStore implements it on modernc.org/sqlite (pure Go, no cgo) with WAL
// journaling. MockStore is an in-memory implementation for tests.
//
// # Data Models
//
//   - Agent: a registered host agent, its capabilities and last activity
//   - MetricsSample: one normalized metrics record as received from an agent
//   - CommandRecord: history for one command request, keyed by request id
//
// # Command Records
//
// A command moves through pending and executing and is completed exactly
// once. CompleteCommand ignores later completions and UpdateCommandStatus
// leaves completed rows alone, so late or duplicate results from an agent
// cannot rewrite history.
//
// # Retention
//
// Metrics grow without bound unless pruned; the Core server calls
// DeleteMetricsBefore on a schedule.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/hostlink/core.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
package store
