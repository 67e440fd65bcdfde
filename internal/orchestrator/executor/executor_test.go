package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/runner"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/tracker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func newTestExecutor(t *testing.T, mock *tracker.MockClient, st *state.State) *Executor {
	t.Helper()
	cloneMgr, err := clone.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	return New(
		Config{Parallel: 2, MaxRetries: 1, AgentCommand: nil},
		mock,
		tracker.Filter{TeamID: "team-1"},
		tracker.StateIDs{Ready: "ready", InProgress: "in_progress", InReview: "in_review", Done: "done", Blocked: "blocked"},
		st,
		cloneMgr,
		admission.New(),
		breaker.NewRegistry(),
		nil,
		state.BudgetConfig{},
		"/tmp/project",
		nil,
	)
}

func TestFillSlotsSkipsWhenPaused(t *testing.T) {
	mock := tracker.NewMockClient()
	mock.SeedTicketsInState("ready", []v1.Ticket{{ID: "t1", Identifier: "ENG-1", Title: "x"}})
	st := state.New(state.Options{MaxParallel: 2})
	st.TogglePause()

	ex := newTestExecutor(t, mock, st)
	g := ex.FillSlots(context.Background())
	require.NoError(t, g.Wait())
	require.Empty(t, mock.Moves())
}

func TestFillSlotsSkipsWhenBudgetExceeded(t *testing.T) {
	mock := tracker.NewMockClient()
	mock.SeedTicketsInState("ready", []v1.Ticket{{ID: "t1", Identifier: "ENG-1", Title: "x"}})
	st := state.New(state.Options{MaxParallel: 2})

	ex := newTestExecutor(t, mock, st)
	ex.budget = state.BudgetConfig{DailyLimitUsd: 1}
	// force spend past the limit via a completed agent with cost
	st.AddAgent("seed", "ENG-0", "seed", "")
	st.CompleteAgent(context.Background(), "seed", v1.RunComplete, &v1.AgentMeta{CostUsd: 5}, "")

	g := ex.FillSlots(context.Background())
	require.NoError(t, g.Wait())
	require.Empty(t, mock.Moves())
}

func TestFillSlotsReturnsEmptyWhenNoAvailableSlots(t *testing.T) {
	mock := tracker.NewMockClient()
	st := state.New(state.Options{MaxParallel: 1})
	st.AddAgent("a1", "ENG-1", "x", "")

	ex := newTestExecutor(t, mock, st)
	g := ex.FillSlots(context.Background())
	require.NoError(t, g.Wait())
	require.Empty(t, mock.Moves())
}

func TestClaimSkipsTicketsAlreadyLiveOrActive(t *testing.T) {
	mock := tracker.NewMockClient()
	st := state.New(state.Options{MaxParallel: 5})
	st.AddAgent("a1", "ENG-1", "x", "")

	ex := newTestExecutor(t, mock, st)
	tickets := []v1.Ticket{{ID: "t1", Identifier: "ENG-1"}, {ID: "t2", Identifier: "ENG-2"}}
	chosen := ex.claim(tickets, 5)
	require.Len(t, chosen, 1)
	require.Equal(t, "t2", chosen[0].ID)
}

func TestClassifyMapsExitReasons(t *testing.T) {
	status, retryable := classify(runner.Output{})
	require.Equal(t, v1.RunComplete, status)
	require.False(t, retryable)

	status, retryable = classify(runner.Output{Error: "boom", ExitReason: runner.ExitTimeout})
	require.Equal(t, v1.RunTimedOut, status)
	require.True(t, retryable)

	status, retryable = classify(runner.Output{Error: "boom", ExitReason: runner.ExitError})
	require.Equal(t, v1.RunFailed, status)
	require.True(t, retryable)
}
