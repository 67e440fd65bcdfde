package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	kdsqlite "github.com/kandev/orchestrator/internal/common/sqlite"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// payloadJSON marshals v for a busy-retry-exhaustion log line. Marshal
// failures are folded into the description itself rather than propagated —
// losing the ability to log a payload must never mask the real write error.
func payloadJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<payload marshal failed: %v>", err)
	}
	return string(b)
}

// SaveRun inserts-or-replaces a completed run and its activities in a
// single transaction (§4.4: "all writes that touch multiple rows use a
// single explicit transaction").
func (s *Store) SaveRun(ctx context.Context, run *v1.RunResult, activities []v1.Activity) error {
	payloadDesc := fmt.Sprintf("save run %s: run=%s activities=%s", run.ID, payloadJSON(run), payloadJSON(activities))
	return s.withRetry(ctx, payloadDesc, func() error {
		tx, err := s.writer.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO agent_runs
				(id, ticket_id, ticket_title, started_at_ms, finished_at_ms, status,
				 cost_usd, duration_ms, num_turns, error, run_type,
				 linear_issue_id, session_id, exit_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.TicketID, run.TicketTitle, run.StartedAtMs, run.FinishedAtMs, run.Status,
			run.CostUsd, run.DurationMs, run.NumTurns, run.Error, run.RunType,
			run.TrackerIssueID, run.SessionID, run.ExitReason,
		)
		if err != nil {
			return fmt.Errorf("insert agent_runs: %w", err)
		}

		for _, a := range activities {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO activity_logs (agent_run_id, timestamp_ms, type, summary, detail, is_subagent)
				VALUES (?, ?, ?, ?, ?, ?)`,
				run.ID, a.TimestampMs, a.Type, a.Summary, a.Detail, kdsqlite.BoolToInt(a.IsSubagent),
			)
			if err != nil {
				return fmt.Errorf("insert activity_logs: %w", err)
			}
		}

		return tx.Commit()
	})
}

// SaveTranscript writes the sanitized transcript blob once, at completion.
func (s *Store) SaveTranscript(ctx context.Context, runID, transcript string) error {
	payloadDesc := fmt.Sprintf("save transcript %s: transcript=%s", runID, transcript)
	return s.withRetry(ctx, payloadDesc, func() error {
		_, err := s.writer.ExecContext(ctx, `
			INSERT OR REPLACE INTO conversation_log (run_id, transcript, created_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)`, runID, transcript)
		return err
	})
}

// GetRecentRuns returns the most recently finished runs, newest-first.
func (s *Store) GetRecentRuns(ctx context.Context, limit int) ([]v1.RunResult, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []v1.RunResult
	err := s.reader.SelectContext(ctx, &runs, `
		SELECT id, ticket_id, ticket_title, started_at_ms, finished_at_ms, status,
			cost_usd, duration_ms, num_turns, error, run_type,
			linear_issue_id, session_id, exit_reason, reviewed_at
		FROM agent_runs
		ORDER BY finished_at_ms DESC
		LIMIT ?`, limit)
	return runs, err
}

// GetAnalytics returns totals/success-rate/total-cost/avg-duration over all runs.
func (s *Store) GetAnalytics(ctx context.Context) (*Analytics, error) {
	return s.analyticsWhere(ctx, "1=1")
}

// GetTodayAnalytics restricts GetAnalytics to today in UTC.
func (s *Store) GetTodayAnalytics(ctx context.Context) (*Analytics, error) {
	return s.analyticsWhere(ctx, "date(finished_at_ms/1000, 'unixepoch') = date('now')")
}

func (s *Store) analyticsWhere(ctx context.Context, where string) (*Analytics, error) {
	var a Analytics
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total_runs,
			COALESCE(AVG(CASE WHEN status = 'completed' THEN 1.0 ELSE 0.0 END), 0) AS success_rate,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM agent_runs WHERE %s`, where)
	err := s.reader.GetContext(ctx, &a, query)
	return &a, err
}

// GetDailyCostTrend groups cost by UTC day over the last N days.
func (s *Store) GetDailyCostTrend(ctx context.Context, days int) ([]CostPoint, error) {
	if days <= 0 {
		days = 30
	}
	var points []CostPoint
	err := s.reader.SelectContext(ctx, &points, `
		SELECT date(finished_at_ms/1000, 'unixepoch') AS bucket, COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM agent_runs
		WHERE finished_at_ms >= ?
		GROUP BY bucket
		ORDER BY bucket ASC`, nowMinusDaysMs(days))
	return points, err
}

// GetWeeklyCostTrend groups cost by ISO week over the last N weeks.
func (s *Store) GetWeeklyCostTrend(ctx context.Context, weeks int) ([]CostPoint, error) {
	if weeks <= 0 {
		weeks = 12
	}
	var points []CostPoint
	err := s.reader.SelectContext(ctx, &points, `
		SELECT strftime('%Y-W%W', finished_at_ms/1000, 'unixepoch') AS bucket, COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM agent_runs
		WHERE finished_at_ms >= ?
		GROUP BY bucket
		ORDER BY bucket ASC`, nowMinusDaysMs(weeks*7))
	return points, err
}

// GetCostByStatus groups cost by terminal status over the last N days.
func (s *Store) GetCostByStatus(ctx context.Context, days int) ([]CostByStatus, error) {
	if days <= 0 {
		days = 30
	}
	var rows []CostByStatus
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT status, COALESCE(SUM(cost_usd), 0) AS cost_usd
		FROM agent_runs
		WHERE finished_at_ms >= ?
		GROUP BY status`, nowMinusDaysMs(days))
	return rows, err
}

// GetFailuresByType buckets failed runs by a coarse classification of
// their error field over the last N days.
func (s *Store) GetFailuresByType(ctx context.Context, days int) ([]FailureByType, error) {
	if days <= 0 {
		days = 30
	}
	var rows []FailureByType
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT
			CASE
				WHEN error LIKE '%timeout%' OR error LIKE '%timed out%' THEN 'timeout'
				WHEN error LIKE '%auth%' OR error LIKE '%unauthorized%' THEN 'auth'
				WHEN error IS NULL OR error = '' THEN 'unknown'
				ELSE 'other'
			END AS error_type,
			COUNT(*) AS count
		FROM agent_runs
		WHERE status IN ('failed', 'timed_out') AND finished_at_ms >= ?
		GROUP BY error_type`, nowMinusDaysMs(days))
	return rows, err
}

// GetFailureTrend buckets failure counts by UTC day over the last N days.
func (s *Store) GetFailureTrend(ctx context.Context, days int) ([]FailurePoint, error) {
	if days <= 0 {
		days = 30
	}
	var points []FailurePoint
	err := s.reader.SelectContext(ctx, &points, `
		SELECT date(finished_at_ms/1000, 'unixepoch') AS bucket, COUNT(*) AS count
		FROM agent_runs
		WHERE status IN ('failed', 'timed_out') AND finished_at_ms >= ?
		GROUP BY bucket
		ORDER BY bucket ASC`, nowMinusDaysMs(days))
	return points, err
}

// GetRepeatFailures returns tickets with at least minFailures failed runs
// in the last N days, joined with the most recent error for that ticket.
func (s *Store) GetRepeatFailures(ctx context.Context, minFailures, days int) ([]RepeatFailure, error) {
	if minFailures <= 0 {
		minFailures = 2
	}
	if days <= 0 {
		days = 30
	}
	var rows []RepeatFailure
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT
			f.ticket_id AS ticket_id,
			f.failure_count AS failure_count,
			COALESCE((
				SELECT error FROM agent_runs r2
				WHERE r2.ticket_id = f.ticket_id AND r2.status IN ('failed', 'timed_out')
				ORDER BY r2.finished_at_ms DESC LIMIT 1
			), '') AS last_error
		FROM (
			SELECT ticket_id, COUNT(*) AS failure_count
			FROM agent_runs
			WHERE status IN ('failed', 'timed_out') AND finished_at_ms >= ?
			GROUP BY ticket_id
			HAVING COUNT(*) >= ?
		) f`, nowMinusDaysMs(days), minFailures)
	return rows, err
}

// GetUnreviewedRuns returns terminal runs awaiting human review, oldest-first.
func (s *Store) GetUnreviewedRuns(ctx context.Context, limit int) ([]v1.RunResult, error) {
	if limit <= 0 {
		limit = 100
	}
	var runs []v1.RunResult
	err := s.reader.SelectContext(ctx, &runs, `
		SELECT id, ticket_id, ticket_title, started_at_ms, finished_at_ms, status,
			cost_usd, duration_ms, num_turns, error, run_type,
			linear_issue_id, session_id, exit_reason, reviewed_at
		FROM agent_runs
		WHERE reviewed_at IS NULL AND status IN ('completed', 'failed', 'timed_out')
		ORDER BY finished_at_ms ASC
		LIMIT ?`, limit)
	return runs, err
}

// RunWithTranscript pairs a run row with its transcript blob, if any.
type RunWithTranscript struct {
	Run        v1.RunResult
	Transcript *string
}

// GetRunWithTranscript fails if the run is unknown.
func (s *Store) GetRunWithTranscript(ctx context.Context, id string) (*RunWithTranscript, error) {
	var run v1.RunResult
	err := s.reader.GetContext(ctx, &run, `
		SELECT id, ticket_id, ticket_title, started_at_ms, finished_at_ms, status,
			cost_usd, duration_ms, num_turns, error, run_type,
			linear_issue_id, session_id, exit_reason, reviewed_at
		FROM agent_runs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	var transcript sql.NullString
	err = s.reader.GetContext(ctx, &transcript, `SELECT transcript FROM conversation_log WHERE run_id = ?`, id)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	result := &RunWithTranscript{Run: run}
	if transcript.Valid {
		result.Transcript = &transcript.String
	}
	return result, nil
}

// MarkRunsReviewed marks a batch of runs reviewed inside one transaction.
func (s *Store) MarkRunsReviewed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, fmt.Sprintf("mark runs reviewed: ids=%s", payloadJSON(ids)), func() error {
		tx, err := s.writer.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE agent_runs SET reviewed_at = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
				return fmt.Errorf("mark reviewed %s: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// PruneActivityLogs deletes activity rows older than days, returning the
// number of deleted rows.
func (s *Store) PruneActivityLogs(ctx context.Context, days int) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, fmt.Sprintf("prune activity logs older than %dd", days), func() error {
		result, err := s.writer.ExecContext(ctx, `DELETE FROM activity_logs WHERE timestamp_ms < ?`, nowMinusDaysMs(days))
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

// PruneConversationLogs deletes transcript rows older than days.
func (s *Store) PruneConversationLogs(ctx context.Context, days int) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, fmt.Sprintf("prune conversation logs older than %dd", days), func() error {
		result, err := s.writer.ExecContext(ctx, `DELETE FROM conversation_log WHERE created_at < datetime('now', ? || ' days')`, -days)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

func nowMinusDaysMs(days int) int64 {
	return time.Now().UTC().AddDate(0, 0, -days).UnixMilli()
}
