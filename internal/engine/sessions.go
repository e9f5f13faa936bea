package engine

import "sync"

// sessionLocks hands out one mutex per session id so turns within a session
// serialize while different sessions proceed concurrently. Entries are never
// evicted; the set of live sessions is small and bounded by the application.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks the session's mutex and returns it for deferred unlock.
func (s *sessionLocks) acquire(sessionID string) *sync.Mutex {
	s.mu.Lock()
	m, ok := s.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[sessionID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m
}
