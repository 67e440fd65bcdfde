package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/db"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	writerRaw, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	readerRaw, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	writer := sqlx.NewDb(writerRaw, "sqlite3")
	reader := sqlx.NewDb(readerRaw, "sqlite3")

	s, err := New(writer, reader, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetRecentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &v1.RunResult{
		ID: "run-1", TicketID: "ENG-1", TicketTitle: "Fix thing",
		StartedAtMs: 1000, FinishedAtMs: 2000, Status: v1.RunComplete,
		CostUsd: 0.5, DurationMs: 1000, NumTurns: 3, RunType: v1.RunTypeExecutor,
	}
	activities := []v1.Activity{
		{TimestampMs: 1100, Type: v1.ActivityToolUse, Summary: "Read: main.go"},
		{TimestampMs: 1900, Type: v1.ActivityResult, Summary: "done"},
	}
	require.NoError(t, s.SaveRun(ctx, run, activities))

	runs, err := s.GetRecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-1", runs[0].ID)
	require.Equal(t, v1.RunComplete, runs[0].Status)
}

func TestGetRunWithTranscriptFailsWhenUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRunWithTranscript(context.Background(), "missing")
	require.Error(t, err)
}

func TestSaveAndRetrieveTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := &v1.RunResult{ID: "run-2", TicketID: "ENG-2", TicketTitle: "x", Status: v1.RunComplete, RunType: v1.RunTypeExecutor}
	require.NoError(t, s.SaveRun(ctx, run, nil))
	require.NoError(t, s.SaveTranscript(ctx, run.ID, "sanitized transcript"))

	result, err := s.GetRunWithTranscript(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Transcript)
	require.Equal(t, "sanitized transcript", *result.Transcript)
}

func TestMarkRunsReviewedAndUnreviewedFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		run := &v1.RunResult{ID: id, TicketID: "ENG-3", TicketTitle: "x", Status: v1.RunComplete, RunType: v1.RunTypeExecutor}
		require.NoError(t, s.SaveRun(ctx, run, nil))
	}

	unreviewed, err := s.GetUnreviewedRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unreviewed, 2)

	require.NoError(t, s.MarkRunsReviewed(ctx, []string{"r1"}))

	unreviewed, err = s.GetUnreviewedRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unreviewed, 1)
	require.Equal(t, "r2", unreviewed[0].ID)
}

func TestOAuthTokenCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tok, err := s.GetOAuthToken(ctx, "linear")
	require.NoError(t, err)
	require.Nil(t, tok)

	require.NoError(t, s.SaveOAuthToken(ctx, &v1.OAuthToken{
		Service: "linear", AccessToken: "abc", TokenType: "Bearer", ExpiresAtMs: 123,
	}))

	tok, err = s.GetOAuthToken(ctx, "linear")
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, "abc", tok.AccessToken)

	require.NoError(t, s.DeleteOAuthToken(ctx, "linear"))
	tok, err = s.GetOAuthToken(ctx, "linear")
	require.NoError(t, err)
	require.Nil(t, tok)
}

func TestPruneActivityLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := &v1.RunResult{ID: "run-old", TicketID: "ENG-4", TicketTitle: "x", Status: v1.RunComplete, RunType: v1.RunTypeExecutor}
	old := []v1.Activity{{TimestampMs: 1, Type: v1.ActivityText, Summary: "old"}}
	require.NoError(t, s.SaveRun(ctx, run, old))

	deleted, err := s.PruneActivityLogs(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, deleted, int64(1))
}
