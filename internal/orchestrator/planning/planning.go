// Package planning implements the supplemented Planning pass and its
// project-owner sibling (SPEC_FULL.md §2 "Supplemented features"): a
// low-frequency, read-only agent pass over the backlog that drafts ticket
// breakdowns (and, per configured project, a status rollup) without ever
// moving ticket state — grounded on the teacher's acp/sqlite_store.go
// planning-session persistence pattern and internal/github/poller.go's
// ticker-loop shape.
package planning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/admission"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/runner"
	"github.com/kandev/orchestrator/internal/orchestrator/sanitize"
	"github.com/kandev/orchestrator/internal/orchestrator/state"
	"github.com/kandev/orchestrator/internal/orchestrator/store"
	"github.com/kandev/orchestrator/internal/tracker"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// Config is the subset of config.PlanningConfig/config.ProjectsConfig the
// pass needs, plus the agent invocation knobs it shares with the Executor.
type Config struct {
	PlanningEnabled      bool
	PlanningPollInterval time.Duration
	PlanningModel        string

	ProjectsEnabled      bool
	ProjectsPollInterval time.Duration
	ProjectsModel        string

	AgentCommand []string
}

// Planner runs the ticket-breakdown pass and, per configured project id,
// the project-owner rollup pass.
type Planner struct {
	cfg        Config
	tracker    tracker.Client
	filter     tracker.Filter
	stateIDs   tracker.StateIDs
	projectIDs []string
	cloneMgr   *clone.Manager
	gate       *admission.Gate
	breakers   *breaker.Registry
	store      *store.Store
	state      *state.State
	logger     *logger.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New constructs a Planner. projectIDs is config.linear.projects — one
// project-owner pass runs per configured id when Config.ProjectsEnabled.
func New(cfg Config, trackerClient tracker.Client, filter tracker.Filter, stateIDs tracker.StateIDs, projectIDs []string, cloneMgr *clone.Manager, gate *admission.Gate, breakers *breaker.Registry, st *store.Store, appState *state.State, log *logger.Logger) *Planner {
	if log == nil {
		log = logger.Default()
	}
	if cfg.PlanningPollInterval <= 0 {
		cfg.PlanningPollInterval = 60 * time.Minute
	}
	if cfg.ProjectsPollInterval <= 0 {
		cfg.ProjectsPollInterval = 60 * time.Minute
	}
	return &Planner{
		cfg:        cfg,
		tracker:    trackerClient,
		filter:     filter,
		stateIDs:   stateIDs,
		projectIDs: projectIDs,
		cloneMgr:   cloneMgr,
		gate:       gate,
		breakers:   breakers,
		store:      st,
		state:      appState,
		logger:     log.WithFields(zap.String("component", "planning")),
	}
}

// Start begins whichever of the planning / project-owner loops are enabled.
// Calling Start more than once without Stop is a no-op.
func (p *Planner) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	if p.cfg.PlanningEnabled {
		p.wg.Add(1)
		go p.planningLoop(ctx)
	}
	if p.cfg.ProjectsEnabled && len(p.projectIDs) > 0 {
		p.wg.Add(1)
		go p.projectsLoop(ctx)
	}
	p.logger.Info("planning pass started",
		zap.Bool("planning_enabled", p.cfg.PlanningEnabled),
		zap.Bool("projects_enabled", p.cfg.ProjectsEnabled))
}

// Stop cancels the loops and waits for them to finish.
func (p *Planner) Stop() {
	if !p.started {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.started = false
	p.logger.Info("planning pass stopped")
}

func (p *Planner) planningLoop(ctx context.Context) {
	defer p.wg.Done()

	p.RunPlanningPass(ctx)

	ticker := time.NewTicker(p.cfg.PlanningPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunPlanningPass(ctx)
		}
	}
}

func (p *Planner) projectsLoop(ctx context.Context) {
	defer p.wg.Done()

	p.RunProjectsPass(ctx)

	ticker := time.NewTicker(p.cfg.ProjectsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunProjectsPass(ctx)
		}
	}
}

// RunPlanningPass drafts a breakdown comment for every ticket currently in
// the Triage state (tickets without an agreed scope yet). It never moves a
// ticket's state — only PostComment is called.
func (p *Planner) RunPlanningPass(ctx context.Context) {
	var tickets []v1.Ticket
	err := p.breakers.Call(ctx, "linear.ListTicketsInState", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		var callErr error
		tickets, callErr = p.tracker.ListTicketsInState(callCtx, p.filter, p.stateIDs.Triage)
		return callErr
	})
	if err != nil {
		p.logger.Error("planning pass: list triage tickets failed", zap.Error(err))
		return
	}

	for _, ticket := range tickets {
		p.draftBreakdown(ctx, ticket)
	}
}

func (p *Planner) draftBreakdown(ctx context.Context, ticket v1.Ticket) {
	sessionID := fmt.Sprintf("plan-%s-%d", ticket.Identifier, time.Now().UnixNano())
	startedAt := time.Now().UnixMilli()

	out := runner.Run(ctx, p.cloneMgr, p.gate, runner.Options{
		AgentCommand: p.cfg.AgentCommand,
		Prompt:       buildBreakdownPrompt(ticket),
		CloneName:    clone.AutopilotName("plan-" + ticket.Identifier),
		Model:        p.cfg.PlanningModel,
		Logger:       p.logger.Zap(),
	})

	p.saveSession(ctx, sessionID, "ticket_breakdown", nil, startedAt, out)

	if out.Result == "" {
		return
	}
	comment := sanitize.Sanitize(fmt.Sprintf("Planning draft for %s:\n\n%s", ticket.Identifier, out.Result))
	if err := p.breakers.Call(ctx, "linear.PostComment", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		return p.tracker.PostComment(callCtx, ticket.ID, comment)
	}); err != nil {
		p.logger.Error("planning pass: failed to post draft comment", zap.String("ticket_id", ticket.Identifier), zap.Error(err))
	}
}

// RunProjectsPass drafts a status rollup for every configured project id,
// scoping the backlog query to that project alone. Like RunPlanningPass, it
// only persists a session and (optionally) a draft — it never mutates a
// ticket's state.
func (p *Planner) RunProjectsPass(ctx context.Context) {
	for _, projectID := range p.projectIDs {
		p.draftProjectRollup(ctx, projectID)
	}
}

func (p *Planner) draftProjectRollup(ctx context.Context, projectID string) {
	scoped := p.filter
	scoped.ProjectIDs = []string{projectID}

	counts := map[string]int{}
	for label, stateID := range map[string]string{
		"ready":     p.stateIDs.Ready,
		"in_review": p.stateIDs.InReview,
		"blocked":   p.stateIDs.Blocked,
	} {
		var tickets []v1.Ticket
		err := p.breakers.Call(ctx, "linear.ListTicketsInState", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
			var callErr error
			tickets, callErr = p.tracker.ListTicketsInState(callCtx, scoped, stateID)
			return callErr
		})
		if err != nil {
			p.logger.Error("projects pass: list tickets failed", zap.String("project_id", projectID), zap.String("state", label), zap.Error(err))
			continue
		}
		counts[label] = len(tickets)
	}

	sessionID := fmt.Sprintf("project-%s-%d", projectID, time.Now().UnixNano())
	startedAt := time.Now().UnixMilli()

	out := runner.Run(ctx, p.cloneMgr, p.gate, runner.Options{
		AgentCommand: p.cfg.AgentCommand,
		Prompt:       buildProjectRollupPrompt(projectID, counts),
		CloneName:    clone.AutopilotName("project-" + projectID),
		Model:        p.cfg.ProjectsModel,
		Logger:       p.logger.Zap(),
	})

	pid := projectID
	p.saveSession(ctx, sessionID, "project_rollup", &pid, startedAt, out)
}

func (p *Planner) saveSession(ctx context.Context, id, kind string, projectID *string, startedAt int64, out runner.Output) {
	status := "completed"
	if out.Error != "" {
		status = "failed"
	}
	finishedAt := time.Now().UnixMilli()
	sess := &store.PlanningSession{
		ID:           id,
		Kind:         kind,
		ProjectID:    projectID,
		StartedAtMs:  startedAt,
		FinishedAtMs: &finishedAt,
		Status:       status,
		Summary:      sanitize.Sanitize(out.Result),
	}
	if err := p.store.SavePlanningSession(ctx, sess); err != nil {
		p.logger.Error("failed to persist planning session", zap.String("id", id), zap.Error(err))
	}
}

func buildBreakdownPrompt(ticket v1.Ticket) string {
	return fmt.Sprintf(
		"Propose a breakdown for ticket %s: %q. "+
			"Read-only analysis: describe the sub-tasks and open questions, but make no code changes.",
		ticket.Identifier, ticket.Title)
}

func buildProjectRollupPrompt(projectID string, counts map[string]int) string {
	return fmt.Sprintf(
		"Summarize the health of project %s: %d ready, %d in review, %d blocked. "+
			"Read-only analysis: call out risks and stale work, but make no code changes.",
		projectID, counts["ready"], counts["in_review"], counts["blocked"])
}
