package engine

import "sync"

// StopSignal is a cooperative stop-after-step flag pair. Anyone may
// request a stop at any time; the engine honors it only at step
// boundaries and records that it did.
type StopSignal struct {
	mu        sync.Mutex
	requested bool
	triggered bool
}

// RequestStop asks the engine to stop after the current step.
func (s *StopSignal) RequestStop() {
	s.mu.Lock()
	s.requested = true
	s.mu.Unlock()
}

// Requested reports whether a stop has been asked for.
func (s *StopSignal) Requested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Triggered reports whether the engine has honored the request.
func (s *StopSignal) Triggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

func (s *StopSignal) markTriggered() {
	s.mu.Lock()
	s.triggered = true
	s.mu.Unlock()
}
