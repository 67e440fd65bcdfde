// Package store implements the orchestrator's persistent store (§4.4): a
// single embedded SQLite database holding agent run history, activity
// logs, sanitized conversation transcripts, OAuth tokens, and planning
// session records.
package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/orchestrator/internal/common/logger"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Store is the persistent store. Writer is a single-connection pool
// (serializing writes); Reader allows concurrent SELECTs under SQLite WAL.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
	logger *logger.Logger
}

// New opens the store against already-constructed writer/reader pools
// (see internal/db.OpenSQLite / OpenSQLiteReader) and applies the schema.
func New(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := initSchema(writer.DB); err != nil {
		return nil, err
	}
	return &Store{writer: writer, reader: reader, logger: log}, nil
}

// Close releases the writer and reader pools.
func (s *Store) Close() error {
	wErr := s.writer.Close()
	if s.reader != s.writer {
		if rErr := s.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

func (s *Store) withRetry(ctx context.Context, desc string, fn func() error) error {
	return withBusyRetry(ctx, s.logger, desc, fn)
}

// Analytics aggregates run statistics over a window.
type Analytics struct {
	TotalRuns    int     `db:"total_runs" json:"total_runs"`
	SuccessRate  float64 `db:"success_rate" json:"success_rate"`
	TotalCostUsd float64 `db:"total_cost_usd" json:"total_cost_usd"`
	AvgDurationMs float64 `db:"avg_duration_ms" json:"avg_duration_ms"`
}

// CostPoint is one bucket of a cost-over-time trend.
type CostPoint struct {
	Bucket  string  `db:"bucket" json:"bucket"`
	CostUsd float64 `db:"cost_usd" json:"cost_usd"`
}

// CostByStatus is total cost grouped by terminal status.
type CostByStatus struct {
	Status  v1.RunStatus `db:"status" json:"status"`
	CostUsd float64      `db:"cost_usd" json:"cost_usd"`
}

// FailureByType groups failure counts by a coarse error classification.
type FailureByType struct {
	ErrorType string `db:"error_type" json:"error_type"`
	Count     int    `db:"count" json:"count"`
}

// FailurePoint is one bucket of a failure-count-over-time trend.
type FailurePoint struct {
	Bucket string `db:"bucket" json:"bucket"`
	Count  int    `db:"count" json:"count"`
}

// RepeatFailure is a ticket with at least minFailures recent failed runs.
type RepeatFailure struct {
	TicketID     string `db:"ticket_id" json:"ticket_id"`
	FailureCount int    `db:"failure_count" json:"failure_count"`
	LastError    string `db:"last_error" json:"last_error"`
}
