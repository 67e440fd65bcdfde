package state

import (
	"context"

	"go.uber.org/zap"

	v1 "github.com/kandev/orchestrator/pkg/api/v1"
)

// AddAgent registers a newly-dispatched agent as live.
func (s *State) AddAgent(id, ticketID, ticketTitle, trackerIssueID string) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	s.liveAgents[id] = &v1.Agent{
		ID:             id,
		TicketID:       ticketID,
		TicketTitle:    ticketTitle,
		TrackerIssueID: trackerIssueID,
		StartedAtMs:    s.now().UnixMilli(),
		Status:         v1.RunRunning,
	}
	s.notify()
}

// AddActivity appends one activity entry to a live agent, ignoring unknown
// ids, enforcing the §4.8/I4 200-entry cap by dropping the oldest.
func (s *State) AddActivity(id string, entry v1.Activity) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	agent, ok := s.liveAgents[id]
	if !ok {
		return
	}
	agent.Activities = append(agent.Activities, entry)
	if len(agent.Activities) > maxActivities {
		agent.Activities = agent.Activities[len(agent.Activities)-maxActivities:]
	}
	s.notify()
}

// LiveTicketIdentifiers returns the ticket identifier of every currently
// live agent, used by the main loop to compute the set of clone names that
// must survive a sweep.
func (s *State) LiveTicketIdentifiers() []string {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	ids := make([]string, 0, len(s.liveAgents))
	for _, agent := range s.liveAgents {
		ids = append(ids, agent.TicketID)
	}
	return ids
}

// RegisterAgentController associates a cancellation function with a live
// agent id so CancelAgent can later abort it.
func (s *State) RegisterAgentController(id string, cancel context.CancelFunc) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	s.controllers[id] = cancel
}

// CancelAgent aborts the agent's cancellation token if the id is known.
func (s *State) CancelAgent(id string) {
	s.agentsMu.Lock()
	cancel, ok := s.controllers[id]
	s.agentsMu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}

// CompleteAgent moves an agent out of the live set, records it at the front
// of the bounded in-memory history, and persists the run (best-effort:
// persistence failures are logged but never corrupt in-memory state).
func (s *State) CompleteAgent(ctx context.Context, id string, status v1.RunStatus, meta *v1.AgentMeta, transcript string) {
	s.agentsMu.Lock()
	agent, ok := s.liveAgents[id]
	if !ok {
		s.agentsMu.Unlock()
		return
	}
	delete(s.liveAgents, id)
	delete(s.controllers, id)
	agent.Status = status
	agent.Meta = meta

	run := v1.RunResult{
		ID:           id,
		TicketID:     agent.TicketID,
		TicketTitle:  agent.TicketTitle,
		StartedAtMs:  agent.StartedAtMs,
		FinishedAtMs: s.now().UnixMilli(),
		Status:       status,
	}
	if meta != nil {
		run.CostUsd = meta.CostUsd
		run.DurationMs = meta.DurationMs
		run.NumTurns = meta.NumTurns
		run.Error = meta.Error
		run.SessionID = meta.SessionID
		run.ExitReason = meta.ExitReason
		run.RunType = meta.RunType
	}

	s.history = append([]v1.RunResult{run}, s.history...)
	if len(s.history) > maxHistory {
		s.history = s.history[:maxHistory]
	}
	activities := append([]v1.Activity(nil), agent.Activities...)
	s.agentsMu.Unlock()

	if s.store != nil {
		if err := s.store.SaveRun(ctx, &run, activities); err != nil {
			s.logger.Error("failed to persist run", zap.String("run_id", id), zap.Error(err))
		} else if transcript != "" {
			if err := s.store.SaveTranscript(ctx, id, transcript); err != nil {
				s.logger.Error("failed to persist transcript", zap.String("run_id", id), zap.Error(err))
			}
		}
	}

	if meta != nil && meta.CostUsd > 0 {
		s.addSpend(meta.CostUsd)
	}

	s.notify()
}
