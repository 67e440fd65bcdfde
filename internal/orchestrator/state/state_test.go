package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

var errTest = errors.New("save failed")

type fakeStore struct {
	mu    sync.Mutex
	runs  []v1.RunResult
	fails bool
}

func (f *fakeStore) SaveRun(ctx context.Context, run *v1.RunResult, activities []v1.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails {
		return errTest
	}
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeStore) SaveTranscript(ctx context.Context, runID, transcript string) error {
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAddAgentAndAddActivityRespectsCap(t *testing.T) {
	s := New(Options{Now: fixedClock(time.Unix(1000, 0))})
	s.AddAgent("a1", "ENG-1", "fix it", "")

	for i := 0; i < maxActivities+10; i++ {
		s.AddActivity("a1", v1.Activity{Type: v1.ActivityText, Summary: "x"})
	}

	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	require.Len(t, s.liveAgents["a1"].Activities, maxActivities)
}

func TestAddActivityIgnoresUnknownID(t *testing.T) {
	s := New(Options{})
	require.NotPanics(t, func() { s.AddActivity("missing", v1.Activity{}) })
}

func TestCompleteAgentMovesToHistoryAndPersists(t *testing.T) {
	store := &fakeStore{}
	s := New(Options{Store: store})
	s.AddAgent("a1", "ENG-1", "fix it", "")

	s.CompleteAgent(context.Background(), "a1", v1.RunComplete, &v1.AgentMeta{CostUsd: 1.5}, "transcript")

	require.Equal(t, 0, s.LiveAgentCount())
	snap := s.ToJSON()
	require.Len(t, snap.History, 1)
	require.Equal(t, "a1", snap.History[0].ID)
	require.Len(t, store.runs, 1)
	require.InDelta(t, 1.5, s.GetDailySpend(), 0.001)
}

func TestCompleteAgentPersistenceFailureDoesNotCorruptInMemoryState(t *testing.T) {
	store := &fakeStore{fails: true}
	s := New(Options{Store: store})
	s.AddAgent("a1", "ENG-1", "fix it", "")

	require.NotPanics(t, func() {
		s.CompleteAgent(context.Background(), "a1", v1.RunFailed, nil, "")
	})

	require.Equal(t, 0, s.LiveAgentCount())
	require.Len(t, s.ToJSON().History, 1)
	require.Empty(t, store.runs)
}

func TestCompleteAgentUnknownIDIsNoop(t *testing.T) {
	s := New(Options{})
	require.NotPanics(t, func() {
		s.CompleteAgent(context.Background(), "missing", v1.RunComplete, nil, "")
	})
}

func TestHistoryCapIsEnforced(t *testing.T) {
	s := New(Options{})
	for i := 0; i < maxHistory+5; i++ {
		id := "agent"
		s.AddAgent(id, "ENG-1", "x", "")
		s.CompleteAgent(context.Background(), id, v1.RunComplete, nil, "")
	}
	require.Len(t, s.ToJSON().History, maxHistory)
}

func TestRegisterAndCancelAgentController(t *testing.T) {
	s := New(Options{})
	cancelled := false
	s.RegisterAgentController("a1", func() { cancelled = true })
	s.CancelAgent("a1")
	require.True(t, cancelled)
}

func TestCancelAgentUnknownIDIsNoop(t *testing.T) {
	s := New(Options{})
	require.NotPanics(t, func() { s.CancelAgent("missing") })
}

func TestTogglePause(t *testing.T) {
	s := New(Options{})
	require.False(t, s.IsPaused())
	require.True(t, s.TogglePause())
	require.True(t, s.IsPaused())
	require.False(t, s.TogglePause())
}

func TestIssueFailureCounterLifecycle(t *testing.T) {
	s := New(Options{})
	require.Equal(t, 0, s.GetIssueFailureCount("ENG-1"))
	require.Equal(t, 1, s.IncrementIssueFailures("ENG-1"))
	require.Equal(t, 2, s.IncrementIssueFailures("ENG-1"))
	s.ClearIssueFailures("ENG-1")
	require.Equal(t, 0, s.GetIssueFailureCount("ENG-1"))
}

func TestIssueFailureMapEvictsOldestOnOverflow(t *testing.T) {
	s := New(Options{})
	for i := 0; i < maxIssueFailures+1; i++ {
		s.IncrementIssueFailures(ticketName(i))
	}
	require.Equal(t, 0, s.GetIssueFailureCount(ticketName(0)))
	require.Equal(t, 1, s.GetIssueFailureCount(ticketName(maxIssueFailures)))
}

func ticketName(i int) string {
	return fmt.Sprintf("ENG-%d", i)
}

func TestSpendAndBudgetChecks(t *testing.T) {
	s := New(Options{})
	s.addSpend(10)
	s.addSpend(5)
	require.InDelta(t, 15, s.GetDailySpend(), 0.001)
	require.InDelta(t, 15, s.GetMonthlySpend(), 0.001)

	check := s.CheckBudget(BudgetConfig{DailyLimitUsd: 15})
	require.False(t, check.OK)

	check = s.CheckBudget(BudgetConfig{DailyLimitUsd: 100})
	require.True(t, check.OK)
}

func TestBudgetWarningThreshold(t *testing.T) {
	s := New(Options{})
	s.addSpend(90)
	warning := s.GetBudgetWarning(BudgetConfig{DailyLimitUsd: 100, WarningThresholdPc: 80})
	require.NotEmpty(t, warning)

	noWarning := s.GetBudgetWarning(BudgetConfig{DailyLimitUsd: 1000, WarningThresholdPc: 80})
	require.Empty(t, noWarning)
}

func TestUpdateQueue(t *testing.T) {
	s := New(Options{})
	s.UpdateQueue(5, 2)
	snap := s.ToJSON()
	require.Equal(t, 5, snap.Queue.ReadyCount)
	require.Equal(t, 2, snap.Queue.InProgressCount)
}

func TestGetMaxParallel(t *testing.T) {
	s := New(Options{MaxParallel: 7})
	require.Equal(t, 7, s.GetMaxParallel())
}

func TestIsAgentLiveForTicket(t *testing.T) {
	s := New(Options{})
	require.False(t, s.IsAgentLiveForTicket("ENG-1"))
	s.AddAgent("a1", "ENG-1", "x", "")
	require.True(t, s.IsAgentLiveForTicket("ENG-1"))
}
