package store

import (
	"context"
	"fmt"
)

// PlanningSession is one run of the supplemented Planning pass or
// project-owner pass (§2 "Supplemented features"): a read-only agent
// session that drafts ticket-breakdown or project-rollup comments without
// mutating ticket state. Kind distinguishes the two ("ticket_breakdown" vs.
// "project_rollup"); ProjectID is set only for project_rollup rows.
type PlanningSession struct {
	ID           string  `db:"id"`
	Kind         string  `db:"kind"`
	ProjectID    *string `db:"project_id"`
	StartedAtMs  int64   `db:"started_at_ms"`
	FinishedAtMs *int64  `db:"finished_at_ms"`
	Status       string  `db:"status"`
	Summary      string  `db:"summary"`
}

// SavePlanningSession inserts-or-replaces a planning session row, grounded
// on the teacher's planning-session persistence in acp/sqlite_store.go.
func (s *Store) SavePlanningSession(ctx context.Context, sess *PlanningSession) error {
	return s.withRetry(ctx, fmt.Sprintf("save planning session %s", sess.ID), func() error {
		_, err := s.writer.ExecContext(ctx, `
			INSERT OR REPLACE INTO planning_sessions
				(id, kind, project_id, started_at_ms, finished_at_ms, status, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Kind, sess.ProjectID, sess.StartedAtMs, sess.FinishedAtMs, sess.Status, sess.Summary,
		)
		return err
	})
}

// GetRecentPlanningSessions returns the most recently started sessions of
// the given kind, newest-first.
func (s *Store) GetRecentPlanningSessions(ctx context.Context, kind string, limit int) ([]PlanningSession, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []PlanningSession
	err := s.reader.SelectContext(ctx, &sessions, `
		SELECT id, kind, project_id, started_at_ms, finished_at_ms, status, summary
		FROM planning_sessions
		WHERE kind = ?
		ORDER BY started_at_ms DESC
		LIMIT ?`, kind, limit)
	return sessions, err
}
