package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// HasSeenReviewPR reports whether the review-watch poller has already
// surfaced this PR, so a slow poll cadence never re-drafts feedback for the
// same review request twice (§2 "Review-watch / PR-feedback polling").
func (s *Store) HasSeenReviewPR(ctx context.Context, owner, repo string, number int) (bool, error) {
	var id string
	err := s.reader.GetContext(ctx, &id, `
		SELECT id FROM review_watch_hits WHERE repo_owner = ? AND repo_name = ? AND pr_number = ?`,
		owner, repo, number)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkReviewPRSeen records that a PR has been handled by the review-watch
// poller. Safe to call concurrently with itself for the same PR: the
// UNIQUE(repo_owner, repo_name, pr_number) constraint makes the insert a
// no-op on a duplicate.
func (s *Store) MarkReviewPRSeen(ctx context.Context, owner, repo string, number int, seenAtMs int64) error {
	return s.withRetry(ctx, fmt.Sprintf("mark review PR seen %s/%s#%d", owner, repo, number), func() error {
		_, err := s.writer.ExecContext(ctx, `
			INSERT OR IGNORE INTO review_watch_hits
				(id, repo_owner, repo_name, pr_number, first_seen_at_ms, handled_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), owner, repo, number, seenAtMs, seenAtMs,
		)
		return err
	})
}
