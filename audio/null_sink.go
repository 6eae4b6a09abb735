package audio

import "sync"

// NullSink is a Sink test double: it never pulls on its own, but lets test
// code drive the pull callback directly via Pull, recording how many times
// Pull has been called.
type NullSink struct {
	mu      sync.Mutex
	pull    func(out []float32)
	started bool
	pulls   int
}

// Start records pull for later invocation by Pull. It never calls pull
// itself, since there is no real device driving a callback thread.
func (s *NullSink) Start(pull func(out []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pull = pull
	s.started = true
	return nil
}

// Stop marks the sink stopped.
func (s *NullSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Started reports whether Start has been called.
func (s *NullSink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Pull invokes the registered pull callback with a buffer of the given
// length, simulating one audio-thread callback.
func (s *NullSink) Pull(out []float32) {
	s.mu.Lock()
	pull := s.pull
	s.pulls++
	s.mu.Unlock()

	if pull != nil {
		pull(out)
	}
}

// Pulls returns how many times Pull has been called.
func (s *NullSink) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}
