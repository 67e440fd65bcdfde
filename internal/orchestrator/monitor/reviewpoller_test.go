package monitor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/db"
	"github.com/kandev/orchestrator/internal/github"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/orchestrator/store"
)

func newTestReviewPoller(t *testing.T, gh github.Client, cfg ReviewPollerConfig) (*ReviewPoller, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	writerRaw, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	readerRaw, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	s, err := store.New(sqlx.NewDb(writerRaw, "sqlite3"), sqlx.NewDb(readerRaw, "sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cloneMgr, err := clone.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	p := NewReviewPoller(cfg, gh, s, cloneMgr, admission.New(), breaker.NewRegistry(), state.New(state.Options{MaxParallel: 2}), nil)
	return p, s
}

func TestCheckReviewQueueMarksNewPRsSeen(t *testing.T) {
	gh := github.NewMockClient()
	gh.AddPR(&github.PR{
		Number: 7, RepoOwner: "kandev", RepoName: "orchestrator", Title: "Add caching",
		HeadBranch:         "feature/cache",
		RequestedReviewers: []github.RequestedReviewer{{Login: "bot", Type: "user"}},
	})

	p, s := newTestReviewPoller(t, gh, ReviewPollerConfig{Query: "org:kandev"})
	ctx := context.Background()

	seen, err := s.HasSeenReviewPR(ctx, "kandev", "orchestrator", 7)
	require.NoError(t, err)
	require.False(t, seen)

	p.checkReviewQueue(ctx)

	seen, err = s.HasSeenReviewPR(ctx, "kandev", "orchestrator", 7)
	require.NoError(t, err)
	require.True(t, seen, "checkReviewQueue must mark newly found PRs as seen before spawning the draft pass")
}

func TestCheckReviewQueueSkipsAlreadySeenPRs(t *testing.T) {
	gh := github.NewMockClient()
	gh.AddPR(&github.PR{
		Number: 9, RepoOwner: "kandev", RepoName: "orchestrator", Title: "Tweak retry budget",
		HeadBranch:         "feature/retry",
		RequestedReviewers: []github.RequestedReviewer{{Login: "bot", Type: "user"}},
	})

	p, s := newTestReviewPoller(t, gh, ReviewPollerConfig{Query: "org:kandev"})
	ctx := context.Background()

	require.NoError(t, s.MarkReviewPRSeen(ctx, "kandev", "orchestrator", 9, 1000))

	// checkReviewQueue must not error re-processing an already-seen PR, and
	// must leave the existing first-seen record untouched (no duplicate row,
	// enforced by the store's UNIQUE constraint).
	require.NotPanics(t, func() { p.checkReviewQueue(ctx) })

	seen, err := s.HasSeenReviewPR(ctx, "kandev", "orchestrator", 9)
	require.NoError(t, err)
	require.True(t, seen)
}
