package state

import v1 "github.com/kandev/orchestrator/pkg/api/v1"

// ToJSON returns the full state snapshot (§4.8), including apiHealth pulled
// from the breaker registry.
func (s *State) ToJSON() v1.StateSnapshot {
	s.agentsMu.RLock()
	live := make([]v1.Agent, 0, len(s.liveAgents))
	for _, a := range s.liveAgents {
		live = append(live, *a)
	}
	history := append([]v1.RunResult(nil), s.history...)
	s.agentsMu.RUnlock()

	s.queueMu.RLock()
	queue := s.queue
	s.queueMu.RUnlock()

	var health v1.APIHealth
	if s.breakers != nil {
		health = s.breakers.Snapshot()
	}

	return v1.StateSnapshot{
		LiveAgents:   live,
		History:      history,
		Queue:        queue,
		Paused:       s.IsPaused(),
		DailySpend:   s.GetDailySpend(),
		MonthlySpend: s.GetMonthlySpend(),
		APIHealth:    health,
	}
}

// notify pushes the current snapshot to the broadcaster. Called after every
// mutation (§4.8's websocket broadcast hook).
func (s *State) notify() {
	s.broadcaster.Broadcast(s.ToJSON())
}
