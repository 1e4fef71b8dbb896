package transport

import (
	"sync"
	"time"
)

// Timer owns at most one pending callback. Schedule cancels whatever was pending.
type Timer struct {
	mu  sync.Mutex
	t   *time.Timer
	seq uint64
}

func (s *Timer) Schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
	}
	s.seq++
	seq := s.seq
	s.t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if seq != s.seq {
			// superseded after the runtime already started this callback
			s.mu.Unlock()
			return
		}
		s.t = nil
		s.mu.Unlock()
		fn()
	})
}

func (s *Timer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.seq++
}

func (s *Timer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t != nil
}
