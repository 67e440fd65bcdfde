package state

// IncrementIssueFailures bumps and returns the per-ticket failure counter.
// The map is capped at MaxIssueFailureEntries with oldest-insertion eviction.
func (s *State) IncrementIssueFailures(ticketID string) int {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()

	if _, exists := s.failures[ticketID]; !exists {
		if len(s.failureSeq) >= maxIssueFailures {
			oldest := s.failureSeq[0]
			s.failureSeq = s.failureSeq[1:]
			delete(s.failures, oldest)
		}
		s.failureSeq = append(s.failureSeq, ticketID)
	}
	s.failures[ticketID]++
	return s.failures[ticketID]
}

// GetIssueFailureCount returns the current failure count for a ticket (0 if unseen).
func (s *State) GetIssueFailureCount(ticketID string) int {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	return s.failures[ticketID]
}

// ClearIssueFailures resets a ticket's failure counter to zero.
func (s *State) ClearIssueFailures(ticketID string) {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	delete(s.failures, ticketID)
	for i, id := range s.failureSeq {
		if id == ticketID {
			s.failureSeq = append(s.failureSeq[:i], s.failureSeq[i+1:]...)
			break
		}
	}
}
