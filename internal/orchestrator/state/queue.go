package state

import v1 "github.com/kandev/orchestrator/pkg/api/v1"

// UpdateQueue records the latest ready/in-progress counters from an
// executor poll.
func (s *State) UpdateQueue(ready, inProgress int) {
	s.queueMu.Lock()
	s.queue = v1.QueueSnapshot{
		ReadyCount:      ready,
		InProgressCount: inProgress,
		LastCheckedAtMs: s.now().UnixMilli(),
	}
	s.queueMu.Unlock()
	s.notify()
}

// GetMaxParallel returns the configured slot count, used by the executor.
func (s *State) GetMaxParallel() int {
	return s.maxParallel
}

// LiveAgentCount returns the number of currently live agents.
func (s *State) LiveAgentCount() int {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	return len(s.liveAgents)
}

// IsAgentLive reports whether an agent for ticketID is currently running.
func (s *State) IsAgentLiveForTicket(ticketID string) bool {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	for _, a := range s.liveAgents {
		if a.TicketID == ticketID {
			return true
		}
	}
	return false
}
