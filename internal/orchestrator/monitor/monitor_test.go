package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/github"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/tracker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func newTestMonitor(t *testing.T, trackerClient tracker.Client, gh github.Client, st *state.State, cfg Config) *Monitor {
	t.Helper()
	cloneMgr, err := clone.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	return New(
		cfg,
		trackerClient,
		tracker.Filter{TeamID: "team-1"},
		tracker.StateIDs{Ready: "ready", InProgress: "in_progress", InReview: "in_review", Done: "done", Blocked: "blocked"},
		gh,
		st,
		cloneMgr,
		admission.New(),
		breaker.NewRegistry(),
		nil,
	)
}

func TestAggregateCIFailureTakesPriorityOverPending(t *testing.T) {
	checks := []github.CheckRun{
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "test", Status: "completed", Conclusion: "failure"},
		{Name: "build", Status: "in_progress"},
	}
	status, failing := aggregateCI(checks)
	require.Equal(t, CIFailure, status)
	require.Equal(t, []string{"test"}, failing)
}

func TestAggregateCIPendingWhenIncomplete(t *testing.T) {
	checks := []github.CheckRun{
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "test", Status: "queued"},
	}
	status, failing := aggregateCI(checks)
	require.Equal(t, CIPending, status)
	require.Empty(t, failing)
}

func TestAggregateCISuccessWhenAllComplete(t *testing.T) {
	checks := []github.CheckRun{
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "test", Status: "completed", Conclusion: "success"},
	}
	status, failing := aggregateCI(checks)
	require.Equal(t, CISuccess, status)
	require.Empty(t, failing)
}

func TestAggregateCITreatsTimedOutAsFailure(t *testing.T) {
	checks := []github.CheckRun{{Name: "e2e", Status: "completed", Conclusion: "timed_out"}}
	status, _ := aggregateCI(checks)
	require.Equal(t, CIFailure, status)
}

func TestParsePRURLExtractsOwnerRepoNumber(t *testing.T) {
	owner, repo, number, ok := parsePRURL("https://github.com/acme/widgets/pull/42", "default-owner", "default-repo")
	require.True(t, ok)
	require.Equal(t, "acme", owner)
	require.Equal(t, "widgets", repo)
	require.Equal(t, 42, number)
}

func TestParsePRURLRejectsMalformedURL(t *testing.T) {
	_, _, _, ok := parsePRURL("not-a-url", "default-owner", "default-repo")
	require.False(t, ok)
}

func TestReconcileMovesMergedTicketToDone(t *testing.T) {
	trackerMock := tracker.NewMockClient()
	gh := github.NewMockClient()
	st := state.New(state.Options{MaxParallel: 2})

	m := newTestMonitor(t, trackerMock, gh, st, Config{Owner: "acme", Repo: "widgets"})

	merged := time.Now()
	rp := reviewPR{
		ticket: v1.Ticket{ID: "t1", Identifier: "ENG-1"},
		pr:     &github.PR{Number: 7, HeadSHA: "sha1", MergedAt: &merged},
	}
	m.reconcile(context.Background(), rp, "acme", "widgets")

	moves := trackerMock.Moves()
	require.Len(t, moves, 1)
	require.Equal(t, "t1", moves[0].TicketID)
	require.Equal(t, "done", moves[0].StateID)
}

func TestMaybeSpawnFixerDedupsPerReviewCycle(t *testing.T) {
	trackerMock := tracker.NewMockClient()
	gh := github.NewMockClient()
	st := state.New(state.Options{MaxParallel: 2})

	m := newTestMonitor(t, trackerMock, gh, st, Config{Owner: "acme", Repo: "widgets", MaxFixerAttempts: 5})

	rp := reviewPR{
		ticket: v1.Ticket{ID: "t1", Identifier: "ENG-1"},
		pr:     &github.PR{Number: 7, HeadSHA: "sha1", HeadBranch: "eng-1"},
	}

	m.maybeSpawnFixer(context.Background(), rp, "acme/widgets#7@sha1", []string{"test"})
	require.True(t, m.handledReviews["acme/widgets#7@sha1"])

	// A second call for the same review cycle must not bump the attempt
	// counter again — it is already handled.
	m.maybeSpawnFixer(context.Background(), rp, "acme/widgets#7@sha1", []string{"test"})
	require.Equal(t, 1, m.fixerAttempts["ENG-1"])
}

func TestMaybeSpawnFixerGivesUpAfterMaxAttempts(t *testing.T) {
	trackerMock := tracker.NewMockClient()
	gh := github.NewMockClient()
	st := state.New(state.Options{MaxParallel: 2})

	m := newTestMonitor(t, trackerMock, gh, st, Config{Owner: "acme", Repo: "widgets", MaxFixerAttempts: 1})
	m.fixerAttempts["ENG-1"] = 1

	rp := reviewPR{
		ticket: v1.Ticket{ID: "t1", Identifier: "ENG-1"},
		pr:     &github.PR{Number: 7, HeadSHA: "sha2", HeadBranch: "eng-1"},
	}
	m.maybeSpawnFixer(context.Background(), rp, "acme/widgets#7@sha2", []string{"test"})

	require.False(t, m.liveFixers["ENG-1"])
	moves := trackerMock.Moves()
	require.Len(t, moves, 1)
	require.Equal(t, "blocked", moves[0].StateID)
	require.Len(t, trackerMock.Comments(), 1)
}
