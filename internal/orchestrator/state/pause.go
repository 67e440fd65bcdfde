package state

// TogglePause flips the paused flag and returns the new value.
func (s *State) TogglePause() bool {
	s.pauseMu.Lock()
	s.paused = !s.paused
	v := s.paused
	s.pauseMu.Unlock()
	s.notify()
	return v
}

// IsPaused reports whether the orchestrator is currently paused.
func (s *State) IsPaused() bool {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	return s.paused
}
