package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
	"github.com/kandev/orchestrator/internal/orchestrator/breaker"
	"github.com/kandev/orchestrator/internal/orchestrator/clone"
	"github.com/kandev/orchestrator/internal/orchestrator/runner"
	"github.com/kandev/orchestrator/internal/orchestrator/sanitize"
	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// executeIssue implements §4.9 executeIssue: moves the ticket to
// in_progress, runs one agent against a fresh clone, and reconciles the
// tracker state from the result. Returns true only on a completed run.
func (e *Executor) executeIssue(ctx context.Context, ticket v1.Ticket) bool {
	log := e.logger.WithFields(zap.String("ticket_id", ticket.Identifier))

	err := e.breakers.Call(ctx, "linear.MoveTicket", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		return e.tracker.MoveTicket(callCtx, ticket.ID, e.stateIDs.InProgress)
	})
	if err != nil {
		log.Error("executeIssue: failed to move ticket to in_progress", zap.Error(err))
		return false
	}

	agentID := "agent-" + uuid.NewString()
	e.state.AddAgent(agentID, ticket.Identifier, ticket.Title, ticket.ID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.state.RegisterAgentController(agentID, cancel)

	out := runner.Run(runCtx, e.cloneMgr, e.gate, runner.Options{
		AgentCommand: e.cfg.AgentCommand,
		Prompt:       e.buildPrompt(ticket),
		CloneName:    clone.AutopilotName(ticket.Identifier),
		BranchName:   clone.RenderBranchName(e.cfg.BranchPattern, ticket.Identifier),
		TimeoutMs:    minutesToMs(e.cfg.TimeoutMinutes),
		InactivityMs: minutesToMs(e.cfg.InactivityTimeoutMinutes),
		Model:        e.cfg.Model,
		MCPServers:   e.mcpServers(ctx),
		ParentSignal: ctx,
		OnActivity: func(entry v1.Activity) {
			e.state.AddActivity(agentID, entry)
		},
		Logger: e.logger.Zap(),
	})

	status, retryable := classify(out)

	meta := &v1.AgentMeta{
		CostUsd:    out.CostUsd,
		DurationMs: out.DurationMs,
		NumTurns:   out.NumTurns,
		Error:      out.Error,
		SessionID:  out.SessionID,
		ExitReason: string(out.ExitReason),
		RunType:    v1.RunTypeExecutor,
	}
	e.state.CompleteAgent(ctx, agentID, status, meta, sanitize.Sanitize(transcriptText(out)))

	if status == v1.RunComplete {
		e.markReviewed(ctx, ticket, log)
		return true
	}
	return e.handleFailure(ctx, ticket, retryable, log)
}

func (e *Executor) markReviewed(ctx context.Context, ticket v1.Ticket, log *logger.Logger) {
	err := e.breakers.Call(ctx, "linear.MoveTicket", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		return e.tracker.MoveTicket(callCtx, ticket.ID, e.stateIDs.InReview)
	})
	if err != nil {
		log.Error("executeIssue: failed to move ticket to in_review", zap.Error(err))
	}
	e.state.ClearIssueFailures(ticket.Identifier)
}

// handleFailure implements §4.9 step 7: retry up to max_retries, else block
// and post a sanitized comment describing the failure.
func (e *Executor) handleFailure(ctx context.Context, ticket v1.Ticket, retryable bool, log *logger.Logger) bool {
	count := e.state.IncrementIssueFailures(ticket.Identifier)
	if retryable && count < e.cfg.MaxRetries {
		if err := e.breakers.Call(ctx, "linear.MoveTicket", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
			return e.tracker.MoveTicket(callCtx, ticket.ID, e.stateIDs.Ready)
		}); err != nil {
			log.Error("executeIssue: failed to move ticket back to ready", zap.Error(err))
		}
		return false
	}

	if err := e.breakers.Call(ctx, "linear.MoveTicket", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		return e.tracker.MoveTicket(callCtx, ticket.ID, e.stateIDs.Blocked)
	}); err != nil {
		log.Error("executeIssue: failed to move ticket to blocked", zap.Error(err))
	}
	comment := sanitize.Sanitize(fmt.Sprintf("Autopilot gave up on %s after %d attempts.", ticket.Identifier, count))
	if err := e.breakers.Call(ctx, "linear.PostComment", breaker.Options{Service: v1.ServiceIssueTracker}, func(callCtx context.Context) error {
		return e.tracker.PostComment(callCtx, ticket.ID, comment)
	}); err != nil {
		log.Error("executeIssue: failed to post failure comment", zap.Error(err))
	}
	return false
}

// classify maps a runner.Output onto the executor's completed/timed_out/failed
// trichotomy (§4.9 step 4). retryable distinguishes timeouts/failures (which
// count toward max_retries) from a clean completion.
func classify(out runner.Output) (status v1.RunStatus, retryable bool) {
	switch {
	case out.Error == "":
		return v1.RunComplete, false
	case out.ExitReason == runner.ExitTimeout || out.ExitReason == runner.ExitInactivity:
		return v1.RunTimedOut, true
	default:
		return v1.RunFailed, true
	}
}

func (e *Executor) buildPrompt(ticket v1.Ticket) string {
	prompt := fmt.Sprintf("Resolve ticket %s: %s\n\nProject: %s", ticket.Identifier, ticket.Title, e.projectPath)
	if e.cfg.CommitPattern != "" {
		prompt += fmt.Sprintf("\n\nCommit message format: %s", e.cfg.CommitPattern)
	}
	return prompt
}

// RenderPreflightPrompt exposes buildPrompt for the `validate` CLI preflight
// check (§6.5), which renders a prompt for a synthetic ticket to confirm the
// template produces non-empty output before any agent ever runs.
func (e *Executor) RenderPreflightPrompt(ticket v1.Ticket) string {
	return e.buildPrompt(ticket)
}

func transcriptText(out runner.Output) string {
	var sb []byte
	for _, n := range out.RawTranscript {
		sb = append(sb, fmt.Sprintf("%+v\n", n)...)
	}
	return string(sb)
}
