package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSavePlanningSessionAndGetRecentByKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	finished := int64(2000)
	require.NoError(t, s.SavePlanningSession(ctx, &PlanningSession{
		ID: "plan-1", Kind: "ticket_breakdown", StartedAtMs: 1000, FinishedAtMs: &finished,
		Status: "completed", Summary: "split into two sub-tasks",
	}))

	projectID := "proj-1"
	require.NoError(t, s.SavePlanningSession(ctx, &PlanningSession{
		ID: "plan-2", Kind: "project_rollup", ProjectID: &projectID, StartedAtMs: 1500, FinishedAtMs: &finished,
		Status: "completed", Summary: "3 ready, 1 blocked",
	}))

	breakdowns, err := s.GetRecentPlanningSessions(ctx, "ticket_breakdown", 10)
	require.NoError(t, err)
	require.Len(t, breakdowns, 1)
	require.Equal(t, "plan-1", breakdowns[0].ID)

	rollups, err := s.GetRecentPlanningSessions(ctx, "project_rollup", 10)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	require.Equal(t, "proj-1", *rollups[0].ProjectID)
}
