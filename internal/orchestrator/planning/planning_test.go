package planning

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/db"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/orchestrator/store"
	"github.com/kandev/orchestrator/internal/tracker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

func newTestPlanner(t *testing.T, trackerClient tracker.Client, projectIDs []string, cfg Config) (*Planner, *store.Store) {
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

	stateIDs := tracker.StateIDs{
		Triage: "triage", Ready: "ready", InProgress: "in_progress",
		InReview: "in_review", Done: "done", Blocked: "blocked",
	}
	p := New(cfg, trackerClient, tracker.Filter{TeamID: "team-1"}, stateIDs, projectIDs,
		cloneMgr, admission.New(), breaker.NewRegistry(), s, state.New(state.Options{MaxParallel: 2}), nil)
	return p, s
}

func TestRunPlanningPassSavesOneSessionPerTriageTicket(t *testing.T) {
	trackerClient := tracker.NewMockClient()
	trackerClient.SeedTicketsInState("triage", []v1.Ticket{
		{ID: "t1", Identifier: "ENG-1", Title: "Needs scoping"},
		{ID: "t2", Identifier: "ENG-2", Title: "Also needs scoping"},
	})

	p, s := newTestPlanner(t, trackerClient, nil, Config{PlanningEnabled: true})
	ctx := context.Background()

	p.RunPlanningPass(ctx)

	sessions, err := s.GetRecentPlanningSessions(ctx, "ticket_breakdown", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, sess := range sessions {
		// AgentCommand is left unset, so runner.Run fails fast without a
		// real agent subprocess; the session must still be recorded.
		require.Equal(t, "failed", sess.Status)
	}
}

func TestRunPlanningPassNeverMovesTicketState(t *testing.T) {
	trackerClient := tracker.NewMockClient()
	trackerClient.SeedTicketsInState("triage", []v1.Ticket{
		{ID: "t1", Identifier: "ENG-1", Title: "Needs scoping"},
	})

	p, _ := newTestPlanner(t, trackerClient, nil, Config{PlanningEnabled: true})
	p.RunPlanningPass(context.Background())

	require.Empty(t, trackerClient.Moves(), "planning pass must never call MoveTicket")
}

func TestRunProjectsPassSavesOneSessionPerProject(t *testing.T) {
	trackerClient := tracker.NewMockClient()

	p, s := newTestPlanner(t, trackerClient, []string{"proj-a", "proj-b"}, Config{ProjectsEnabled: true})
	ctx := context.Background()

	p.RunProjectsPass(ctx)

	sessions, err := s.GetRecentPlanningSessions(ctx, "project_rollup", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	gotProjects := map[string]bool{}
	for _, sess := range sessions {
		require.NotNil(t, sess.ProjectID)
		gotProjects[*sess.ProjectID] = true
	}
	require.True(t, gotProjects["proj-a"])
	require.True(t, gotProjects["proj-b"])
}

func TestStartIsNoopWhenBothPassesDisabled(t *testing.T) {
	trackerClient := tracker.NewMockClient()
	p, _ := newTestPlanner(t, trackerClient, []string{"proj-a"}, Config{PlanningEnabled: false, ProjectsEnabled: false})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	require.True(t, p.started)
	cancel()
	p.Stop()
	require.False(t, p.started)
}
